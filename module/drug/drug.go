package drug

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"PedMedClient/service/netclient"
	"PedMedClient/tools/errs"
)

// Drug is one row of the pediatric drug reference. The JSON keys are the
// sheet's Vietnamese column headers; the backend forwards them untranslated.
type Drug struct {
	ActiveIngredient string `json:"Hoạt chất"`
	Classification   string `json:"Phân loại dược lý"`
	ChildDose        string `json:"Liều thông thường trẻ em"`
	NewbornDose      string `json:"Liều thông thường trẻ sơ sinh"`
	Contraindication string `json:"Chống chỉ định"`
	SideEffects      string `json:"Tác dụng không mong muốn"`
	Administration   string `json:"Cách dùng (ngoài IV)"`
	Insurance        string `json:"Bảo hiểm y tế thanh toán"`
	KidneyAdjustment string `json:"Hiệu chỉnh liều theo chức năng thận"`
	LiverAdjustment  string `json:"Hiệu chỉnh liều theo chức năng gan"`
	Interactions     string `json:"Tương tác thuốc chống chỉ định"`
	Monitoring       string `json:"Các thông số cần theo dõi"`
	Overdose         string `json:"Ngộ độc/Quá liều"`
	LastUpdated      string `json:"Cập nhật"`
}

// Client queries the drug reference API with cached responses: the data set
// changes rarely, so repeated searches within the TTL are served locally.
type Client struct {
	http    *netclient.Client
	backend string
}

func New(httpc *netclient.Client, backend string) *Client {
	return &Client{http: httpc, backend: backend}
}

// Search returns drugs matching query (minimum 2 characters, matching the
// UI's threshold).
func (c *Client) Search(ctx context.Context, query string) ([]Drug, error) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < 2 {
		return nil, nil
	}

	u := c.backend + "/api/drugs?query=" + url.QueryEscape(query)
	res, err := c.http.Do(ctx, "GET", u, nil, &netclient.Options{
		CacheKey: "drugs_" + strings.ToLower(query),
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "drug search")
	}
	if !res.Success {
		return nil, errs.NewCodeError(errs.CodePayload, res.ErrMsg)
	}

	// The endpoint has returned both a bare array and a {success,data}
	// envelope across backend versions; accept either.
	var drugs []Drug
	if err := json.Unmarshal(res.Data, &drugs); err == nil {
		return drugs, nil
	}
	var envelope struct {
		Success bool   `json:"success"`
		Data    []Drug `json:"data"`
	}
	if err := json.Unmarshal(res.Data, &envelope); err != nil {
		return nil, errs.ErrPayload.WithDetail(err.Error())
	}
	return envelope.Data, nil
}
