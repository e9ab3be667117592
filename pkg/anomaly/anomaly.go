package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sample 提交给评分服务的单次位置观测
type Sample struct {
	UserID       string    `json:"user_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Speed        *float64  `json:"speed,omitempty"`
	ActivityType string    `json:"activity_type,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

// Client 调用外部异常评分服务。评分模型在上游，这里只消费不透明的分数。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建评分客户端；baseURL为空时返回nil，调用方按未启用处理
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Score 对单个样本评分，返回 [0,1] 区间的异常分
func (c *Client) Score(ctx context.Context, sample Sample) (float64, error) {
	body, err := json.Marshal(sample)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("anomaly scorer returned %d: %s", resp.StatusCode, string(data))
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Score, nil
}
