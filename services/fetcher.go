package services

import (
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/dormwatch/dorm-power/backend/models"
)

const requestTimeout = 20 * time.Second

// Card labels on the portal page. The page is served by the campus system
// and these strings are stable across terms.
const (
	labelRoom    = "绑定房间"
	labelEnergy  = "剩余电量"
	labelBalance = "剩余金额"
)

// A 200 response can still be the SSO login page when the session expired
// mid-flight. Any of these markers in the body means re-auth is needed. The
// markers must never occur on a data page; generic words like 登录 do (the
// portal renders a 退出登录 link), so only SSO-specific strings qualify.
var authPageMarkers = []string{"统一身份认证", "authserver"}

// Fetcher retrieves the current room readings for one credential.
type Fetcher interface {
	Fetch(cred models.Credential) ([]models.RawRoom, FailReason)
}

// PortalClient fetches and parses the campus electricity page.
type PortalClient struct {
	portalURL string
	client    *http.Client
}

func NewPortalClient(portalURL string) *PortalClient {
	return &PortalClient{
		portalURL: portalURL,
		client: &http.Client{
			Timeout: requestTimeout,
			// Redirects mean the session expired; classify instead of follow.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// Fetch performs one portal request with the given credential and returns the
// parsed rooms, or a failure reason from the closed taxonomy.
func (p *PortalClient) Fetch(cred models.Credential) ([]models.RawRoom, FailReason) {
	if strings.TrimSpace(cred.Token) == "" {
		return nil, ReasonNoCredential
	}

	req, err := http.NewRequest("GET", p.portalURL, nil)
	if err != nil {
		return nil, ReasonException
	}
	ua := cred.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Cookie", cred.Token)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, ClassifyRequestError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return nil, ReasonRedirect
	case resp.StatusCode == http.StatusBadGateway:
		return nil, ReasonServer502
	case resp.StatusCode >= 500:
		return nil, ReasonServer5xx
	case resp.StatusCode != http.StatusOK:
		return nil, HTTPReason(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyRequestError(err)
	}
	html := string(body)

	for _, marker := range authPageMarkers {
		if strings.Contains(html, marker) {
			return nil, ReasonAuthRequired
		}
	}

	rooms, err := ParseRoomCards(html)
	if err != nil {
		return nil, ReasonException
	}
	if len(rooms) == 0 {
		return nil, ReasonNoData
	}
	return rooms, ReasonOK
}

// ParseRoomCards extracts room/energy/balance triples from the portal's card
// markup. Cards without a recognizable room keep the placeholder name, and
// missing numeric fields default to "0" so downstream parsing never sees an
// empty string from a structurally valid card.
func ParseRoomCards(html string) ([]models.RawRoom, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var rooms []models.RawRoom
	doc.Find("div.mui-card").Each(func(_ int, card *goquery.Selection) {
		room := models.RawRoom{Room: "未知", Energy: "0", Balance: "0"}
		found := false
		card.Find("li").Each(func(_ int, li *goquery.Selection) {
			label := strings.TrimSpace(li.Contents().Not("span").Text())
			value := strings.TrimSpace(li.Find("span").Text())
			switch {
			case strings.Contains(label, labelRoom):
				if value != "" {
					room.Room = value
				}
				found = true
			case strings.Contains(label, labelEnergy):
				if value != "" {
					room.Energy = value
				}
				found = true
			case strings.Contains(label, labelBalance):
				if value != "" {
					room.Balance = value
				}
				found = true
			}
		})
		if found {
			rooms = append(rooms, room)
		}
	})
	return rooms, nil
}
