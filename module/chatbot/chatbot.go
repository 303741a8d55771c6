package chatbot

import (
	"context"
	"sync"
	"time"

	"PedMedClient/service/netclient"
	"PedMedClient/tools/errs"
)

// Client consumes the AI chatbot backend (an external collaborator; only its
// wire contract is owned here).
type Client struct {
	http    *netclient.Client
	backend string
	userID  string

	mu      sync.Mutex
	history []Message
	maxHist int
}

// Provider describes one AI backend the chatbot can route through.
type Provider struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Status      string `json:"status"` // ready | needs_api_key | unavailable
	IsActive    bool   `json:"isActive"`
}

type providersData struct {
	Providers       []Provider `json:"providers"`
	CurrentProvider string     `json:"currentProvider"`
}

type providersResponse struct {
	Success bool          `json:"success"`
	Data    providersData `json:"data"`
}

// Reply is the assistant's answer plus its provenance metadata.
type Reply struct {
	Message       string   `json:"message"`
	Sources       []string `json:"sources,omitempty"`
	Confidence    float64  `json:"confidence,omitempty"`
	ResponseTime  int64    `json:"responseTime,omitempty"`
	AIProvider    string   `json:"aiProvider,omitempty"`
	Model         string   `json:"model,omitempty"`
	IsAIGenerated bool     `json:"isAiGenerated,omitempty"`
	Note          string   `json:"note,omitempty"`
}

type chatResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    Reply  `json:"data"`
}

// Message is one history entry. History is owned per Client instance, scoped
// to the session that created it.
type Message struct {
	Text   string
	Sender string // "user" | "bot"
	At     time.Time
}

func New(httpc *netclient.Client, backend, userID string) *Client {
	if userID == "" {
		userID = "anonymous"
	}
	return &Client{http: httpc, backend: backend, userID: userID, maxHist: 100}
}

// Providers lists available AI providers and the currently selected one.
func (c *Client) Providers(ctx context.Context) ([]Provider, string, error) {
	var resp providersResponse
	res, err := c.http.GetJSON(ctx, c.backend+"/api/ai-chatbot/providers", &resp, nil)
	if err != nil {
		return nil, "", errs.WrapMsg(err, "load providers")
	}
	if !res.Success || !resp.Success {
		return nil, "", errs.NewCodeError(errs.CodePayload, "providers unavailable")
	}
	return resp.Data.Providers, resp.Data.CurrentProvider, nil
}

// SwitchProvider selects another AI backend.
func (c *Client) SwitchProvider(ctx context.Context, name string) error {
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message,omitempty"`
	}
	res, err := c.http.PostJSON(ctx, c.backend+"/api/ai-chatbot/switch-provider",
		map[string]string{"provider": name}, &resp, nil)
	if err != nil {
		return errs.WrapMsg(err, "switch provider")
	}
	if !res.Success || !resp.Success {
		return errs.NewCodeError(errs.CodePayload, resp.Message)
	}
	return nil
}

// Chat sends one user message and records both sides in the history.
func (c *Client) Chat(ctx context.Context, message string) (*Reply, error) {
	if message == "" {
		return nil, errs.NewCodeError(errs.CodePayload, "empty message")
	}
	c.record(Message{Text: message, Sender: "user", At: time.Now()})

	var resp chatResponse
	res, err := c.http.PostJSON(ctx, c.backend+"/api/ai-chatbot/chat",
		map[string]string{"message": message, "userId": c.userID}, &resp, nil)
	if err != nil {
		return nil, errs.WrapMsg(err, "chat")
	}
	if !res.Success || !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = res.ErrMsg
		}
		return nil, errs.NewCodeError(errs.CodePayload, msg)
	}

	c.record(Message{Text: resp.Data.Message, Sender: "bot", At: time.Now()})
	return &resp.Data, nil
}

// History returns a copy of the conversation so far.
func (c *Client) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Client) record(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, m)
	if len(c.history) > c.maxHist {
		c.history = c.history[len(c.history)-c.maxHist:]
	}
}
