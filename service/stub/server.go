// Package stub is an in-process reference backend implementing the
// device-session wire contract. It exists so the SDK's protocol handling can
// be exercised end-to-end (demos, integration tests) without the production
// backend; it is not a server anyone should deploy.
package stub

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"PedMedClient/logger"
	"PedMedClient/module/auth/model"
	"PedMedClient/tools/ids"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type device struct {
	ID      string
	Name    string
	AddedAt time.Time
}

type wsConn struct {
	connID string
	conn   *websocket.Conn
}

// Server holds the per-user device registry and the push connections.
type Server struct {
	mu      sync.RWMutex
	quota   int
	creds   map[string]string              // username -> password
	devices map[string][]device            // username -> registered devices
	conns   map[string]map[string][]wsConn // username -> deviceId -> conns

	currentProvider string

	engine *gin.Engine
}

// New builds a stub with the given device quota per account (the production
// default is 3).
func New(quota int) *Server {
	if quota <= 0 {
		quota = 3
	}
	s := &Server{
		quota:   quota,
		creds:   map[string]string{},
		devices: map[string][]device{},
		conns:   map[string]map[string][]wsConn{},
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/login", s.handleLogin)
	r.POST("/api/check-session", s.handleCheckSession)
	r.POST("/api/logout-device-from-sheet", s.handleLogoutFromSheet)
	r.POST("/api/logout-device", s.handleLogoutDevice)
	r.POST("/api/replace-device-and-login", s.handleReplaceAndLogin)
	r.GET("/api/drugs", s.handleDrugs)
	r.GET("/api/ai-chatbot/providers", s.handleProviders)
	r.POST("/api/ai-chatbot/switch-provider", s.handleSwitchProvider)
	r.POST("/api/ai-chatbot/chat", s.handleChat)
	r.GET("/", s.handleWS)
	s.engine = r
	return s
}

// Engine exposes the router so callers can mount it on httptest or a real
// listener.
func (s *Server) Engine() *gin.Engine { return s.engine }

// AddUser registers an account.
func (s *Server) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[username] = password
}

// Devices returns the registered devices of an account.
func (s *Server) Devices(username string) []model.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DeviceInfo, 0, len(s.devices[username]))
	for _, d := range s.devices[username] {
		out = append(out, model.DeviceInfo{ID: d.ID, Name: d.Name})
	}
	return out
}

// ===== 登录/会话 =====

func (s *Server) handleLogin(c *gin.Context) {
	var req model.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "bad request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pw, ok := s.creds[req.Username]
	if !ok || pw != req.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid credentials"})
		return
	}

	for _, d := range s.devices[req.Username] {
		if d.ID == req.DeviceID {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
	}

	if len(s.devices[req.Username]) >= s.quota {
		infos := make([]model.DeviceInfo, 0, s.quota)
		for _, d := range s.devices[req.Username] {
			infos = append(infos, model.DeviceInfo{ID: d.ID, Name: d.Name})
		}
		c.JSON(http.StatusConflict, gin.H{
			"code":    model.CodeDeviceSelectionRequired,
			"message": "device limit reached",
			"devices": infos,
		})
		return
	}

	s.devices[req.Username] = append(s.devices[req.Username],
		device{ID: req.DeviceID, Name: req.DeviceName, AddedAt: time.Now()})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleCheckSession(c *gin.Context) {
	var req model.CheckSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "bad request"})
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.creds[req.Username]; !ok {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "user not found"})
		return
	}
	for _, d := range s.devices[req.Username] {
		if d.ID == req.DeviceID {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
	}
	if len(s.devices[req.Username]) >= s.quota {
		infos := make([]model.DeviceInfo, 0, s.quota)
		for _, d := range s.devices[req.Username] {
			infos = append(infos, model.DeviceInfo{ID: d.ID, Name: d.Name})
		}
		c.JSON(http.StatusOK, gin.H{"success": false, "devices": infos})
		return
	}
	// The device was evicted; the exact wording the production backend sends.
	c.JSON(http.StatusOK, gin.H{"success": false, "message": "device đã bị đăng xuất"})
}

func (s *Server) handleLogoutFromSheet(c *gin.Context) {
	var req model.LogoutDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "bad request"})
		return
	}
	s.mu.Lock()
	s.removeDeviceLocked(req.Username, req.DeviceID)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleLogoutDevice(c *gin.Context) {
	var req model.LogoutDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "bad request"})
		return
	}

	s.mu.Lock()
	s.removeDeviceLocked(req.Username, req.DeviceID)
	if req.NewDeviceID != "" {
		s.devices[req.Username] = append(s.devices[req.Username],
			device{ID: req.NewDeviceID, Name: req.NewDeviceName, AddedAt: time.Now()})
	}
	s.mu.Unlock()

	s.pushLogout(req.Username, req.DeviceID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleReplaceAndLogin(c *gin.Context) {
	var req model.ReplaceDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "bad request"})
		return
	}

	s.mu.Lock()
	pw, ok := s.creds[req.Username]
	if !ok || pw != req.Password {
		s.mu.Unlock()
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid credentials"})
		return
	}
	// Evict then register atomically: the requester must never observe a
	// quota-full state between the two steps.
	s.removeDeviceLocked(req.Username, req.OldDeviceID)
	s.devices[req.Username] = append(s.devices[req.Username],
		device{ID: req.NewDeviceID, Name: req.NewDeviceName, AddedAt: time.Now()})
	s.mu.Unlock()

	s.pushLogout(req.Username, req.OldDeviceID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) removeDeviceLocked(username, deviceID string) {
	devs := s.devices[username]
	for i, d := range devs {
		if d.ID == deviceID {
			s.devices[username] = append(devs[:i], devs[i+1:]...)
			return
		}
	}
}

// ===== 推送 =====

// handleWS upgrades the push connection the client opens after login.
func (s *Server) handleWS(c *gin.Context) {
	username := c.Query("username")
	deviceID := c.Query("deviceId")
	if username == "" || deviceID == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[Stub] upgrade failed: %v", err)
		return
	}
	connID := ids.GenerateString()

	s.mu.Lock()
	if s.conns[username] == nil {
		s.conns[username] = map[string][]wsConn{}
	}
	s.conns[username][deviceID] = append(s.conns[username][deviceID], wsConn{connID: connID, conn: ws})
	s.mu.Unlock()

	logger.Debugf("[Stub] push channel open user=%s device=%s conn=%s", username, deviceID, connID)

	// Inbound frames are not part of the contract; drain until close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	list := s.conns[username][deviceID]
	for i, wc := range list {
		if wc.connID == connID {
			s.conns[username][deviceID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	_ = ws.Close()
}

// ConnCount reports how many push connections a device currently holds.
func (s *Server) ConnCount(username, deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[username][deviceID])
}

// ForceLogout pushes a FORCE_LOGOUT with a human-readable reason to every
// connection the device holds.
func (s *Server) ForceLogout(username, deviceID, reason string) {
	s.mu.Lock()
	s.removeDeviceLocked(username, deviceID)
	s.mu.Unlock()
	s.push(username, deviceID, gin.H{"type": "FORCE_LOGOUT", "message": reason})
}

// pushLogout sends the plain logout action.
func (s *Server) pushLogout(username, deviceID string) {
	s.push(username, deviceID, gin.H{"action": "logout"})
}

func (s *Server) push(username, deviceID string, payload any) {
	s.mu.RLock()
	list := append([]wsConn(nil), s.conns[username][deviceID]...)
	s.mu.RUnlock()
	for _, wc := range list {
		_ = wc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := wc.conn.WriteJSON(payload); err != nil {
			logger.Warnf("[Stub] push failed conn=%s: %v", wc.connID, err)
		}
	}
}

// ===== 药品查询 =====

// drugRows is a tiny sample of the reference sheet, keyed by the Vietnamese
// column headers the production backend forwards untranslated.
var drugRows = []map[string]string{
	{
		"Hoạt chất":                "Paracetamol",
		"Phân loại dược lý":        "Giảm đau, hạ sốt",
		"Liều thông thường trẻ em": "10-15 mg/kg/lần mỗi 4-6 giờ",
		"Cập nhật":                 "2025-06-01",
	},
	{
		"Hoạt chất":                "Amoxicillin",
		"Phân loại dược lý":        "Kháng sinh beta-lactam",
		"Liều thông thường trẻ em": "25-50 mg/kg/ngày chia 2-3 lần",
		"Cập nhật":                 "2025-06-01",
	},
}

func (s *Server) handleDrugs(c *gin.Context) {
	query := strings.ToLower(strings.TrimSpace(c.Query("query")))
	if query == "" {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": []map[string]string{}})
		return
	}
	matches := make([]map[string]string, 0, 2)
	for _, row := range drugRows {
		if strings.Contains(strings.ToLower(row["Hoạt chất"]), query) {
			matches = append(matches, row)
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": matches})
}

// ===== AI chatbot =====

var chatProviders = []map[string]any{
	{"name": "groq", "displayName": "Groq", "description": "Fast LLM inference", "status": "ready"},
	{"name": "gemini", "displayName": "Gemini", "description": "Google Gemini", "status": "ready"},
	{"name": "original", "displayName": "Original", "description": "Local documents only", "status": "ready"},
}

func (s *Server) handleProviders(c *gin.Context) {
	s.mu.RLock()
	current := s.currentProvider
	s.mu.RUnlock()
	if current == "" {
		current = "groq"
	}
	out := make([]map[string]any, 0, len(chatProviders))
	for _, p := range chatProviders {
		q := map[string]any{}
		for k, v := range p {
			q[k] = v
		}
		q["isActive"] = p["name"] == current
		out = append(out, q)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
		"providers":       out,
		"currentProvider": current,
	}})
}

func (s *Server) handleSwitchProvider(c *gin.Context) {
	var req struct {
		Provider string `json:"provider"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "bad request"})
		return
	}
	for _, p := range chatProviders {
		if p["name"] == req.Provider {
			s.mu.Lock()
			s.currentProvider = req.Provider
			s.mu.Unlock()
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": false, "message": "unknown provider"})
}

func (s *Server) handleChat(c *gin.Context) {
	var req struct {
		Message string `json:"message"`
		UserID  string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "bad request"})
		return
	}
	s.mu.RLock()
	provider := s.currentProvider
	s.mu.RUnlock()
	if provider == "" {
		provider = "groq"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
		"message":       "stub reply to: " + req.Message,
		"aiProvider":    provider,
		"isAiGenerated": false,
	}})
}
