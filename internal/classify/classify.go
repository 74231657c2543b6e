// Package classify talks to the external photo classifier. The classifier is
// opaque: results are passed through as JSON and only the personality type is
// inspected.
package classify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// The four personality types a photo can be classified as.
const (
	TetoMale   = "테토남"
	TetoFemale = "테토녀"
	EgenMale   = "에겐남"
	EgenFemale = "에겐녀"
)

var types = []string{TetoMale, TetoFemale, EgenMale, EgenFemale}

var (
	ErrNoImage     = errors.New("classify: image is required")
	ErrUnknownType = errors.New("classify: unknown personality type")
)

// Classifier produces a classification result for an image and development
// tips for a personality type.
type Classifier interface {
	Classify(ctx context.Context, image []byte, contentType string) (json.RawMessage, error)
	Tips(ctx context.Context, personalityType string) (json.RawMessage, error)
}

// TypeOf extracts the personality type from a classification result.
func TypeOf(result json.RawMessage) (string, error) {
	var body struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return "", fmt.Errorf("decode classification: %w", err)
	}
	if !valid(body.Type) {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, body.Type)
	}
	return body.Type, nil
}

func valid(t string) bool {
	for _, known := range types {
		if t == known {
			return true
		}
	}
	return false
}

// HTTPClient calls a classifier service exposing POST /analyze (multipart
// "image" field) and POST /tips ({"type": ...}).
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for baseURL. A nil client gets a 60s
// timeout.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (c *HTTPClient) Classify(ctx context.Context, image []byte, contentType string) (json.RawMessage, error) {
	if len(image) == 0 {
		return nil, ErrNoImage
	}
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("image", "upload")
	if err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}

	result, err := c.post(ctx, "/analyze", form.FormDataContentType(), &body)
	if err != nil {
		return nil, err
	}
	if _, err := TypeOf(result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) Tips(ctx context.Context, personalityType string) (json.RawMessage, error) {
	if !valid(personalityType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, personalityType)
	}
	payload, err := json.Marshal(map[string]string{"type": personalityType})
	if err != nil {
		return nil, err
	}
	return c.post(ctx, "/tips", "application/json", bytes.NewReader(payload))
}

func (c *HTTPClient) post(ctx context.Context, path, contentType string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read classifier %s: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("classifier %s: status %d", path, resp.StatusCode)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("classifier %s: invalid JSON response", path)
	}
	return json.RawMessage(raw), nil
}

// Static is the offline classifier used when no service is configured. It
// picks a type from a hash of the image, so the same photo always gets the
// same answer.
type Static struct{}

type staticResult struct {
	Type       string `json:"type"`
	Emoji      string `json:"emoji"`
	Title      string `json:"title"`
	Summary    string `json:"summary"`
	Confidence int    `json:"confidence"`
}

type staticTips struct {
	Type             string   `json:"type"`
	Title            string   `json:"title"`
	Tips             []string `json:"tips"`
	ShoppingKeywords []string `json:"shoppingKeywords"`
}

var staticResults = map[string]staticResult{
	TetoMale:   {Emoji: "🔥", Title: "타고난 리더", Summary: "주도적이고 행동 중심적인 양기 에너지"},
	TetoFemale: {Emoji: "👑", Title: "독립적인 리더", Summary: "도전적이고 직설적인 독립 만세 에너지"},
	EgenMale:   {Emoji: "🌸", Title: "감성 아티스트", Summary: "섬세하고 예술적 감각이 뛰어난 음기 에너지"},
	EgenFemale: {Emoji: "🌺", Title: "감성적인 매력의 소유자", Summary: "부드러움과 공감 능력이 뛰어난 매력"},
}

func (Static) Classify(_ context.Context, image []byte, _ string) (json.RawMessage, error) {
	if len(image) == 0 {
		return nil, ErrNoImage
	}
	sum := sha256.Sum256(image)
	t := types[int(sum[0])%len(types)]
	r := staticResults[t]
	r.Type = t
	r.Confidence = 60 + int(sum[1])%40
	return json.Marshal(r)
}

func (Static) Tips(_ context.Context, personalityType string) (json.RawMessage, error) {
	if !valid(personalityType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, personalityType)
	}
	return json.Marshal(staticTips{
		Type:             personalityType,
		Title:            personalityType + " 매력 레벨업",
		Tips:             []string{"오늘 하루 나만의 강점을 한 가지 적어보기", "가장 편한 사람에게 먼저 연락해보기"},
		ShoppingKeywords: []string{"향수", "다이어리"},
	})
}
