package fedregister

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"channel-reports/internal/domain"
	"channel-reports/internal/infra/metrics"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client ходит в публичный Federal Register documents API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	client := &Client{cfg: cfg}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.httpClient = &http.Client{Timeout: timeout}
	if cfg.BaseURL == "" {
		client.cfg.BaseURL = "https://www.federalregister.gov/api/v1"
	}
	return client
}

func (c *Client) SetHTTPClient(httpClient *http.Client) {
	if httpClient != nil {
		c.httpClient = httpClient
	}
}

const (
	perPage = 20
	// maxPages ограничивает листание на случай зацикленной пагинации.
	maxPages = 50
)

type listResponse struct {
	Count   int             `json:"count"`
	Results []documentEntry `json:"results"`
}

type documentEntry struct {
	DocumentNumber  string `json:"document_number"`
	Title           string `json:"title"`
	SigningDate     string `json:"signing_date"`
	PublicationDate string `json:"publication_date"`
	HTMLURL         string `json:"html_url"`
	PDFURL          string `json:"pdf_url"`
	Abstract        string `json:"abstract"`
}

type documentDetail struct {
	documentEntry
	FullTextXML string `json:"full_text_xml"`
	BodyHTML    string `json:"body_html"`
}

// ListExecutiveOrders возвращает указы, подписанные начиная с since
// (формат 2006-01-02), листая страницы API до первой пустой.
func (c *Client) ListExecutiveOrders(ctx context.Context, since string) ([]domain.ExecutiveOrder, error) {
	if c.httpClient == nil {
		return nil, fmt.Errorf("http client is not configured")
	}
	baseURL := strings.TrimRight(c.cfg.BaseURL, "/")

	var orders []domain.ExecutiveOrder
	for page := 1; page <= maxPages; page++ {
		query := url.Values{}
		query.Set("conditions[presidential_document_type][]", "executive_order")
		query.Set("conditions[signing_date][gte]", since)
		query.Set("per_page", strconv.Itoa(perPage))
		query.Set("page", strconv.Itoa(page))
		endpoint := fmt.Sprintf("%s/documents.json?%s", baseURL, query.Encode())

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		metrics.ObserveNetworkRequest("fedregister", "list_documents", "documents", start, err)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fedregister list failed: %s", strings.TrimSpace(string(data)))
		}

		var parsed listResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if len(parsed.Results) == 0 {
			break
		}
		for _, entry := range parsed.Results {
			orders = append(orders, entry.toOrder())
		}
	}
	return orders, nil
}

// GetDocument возвращает полное описание указа. Сырой текст берётся из
// первого непустого поля: full_text_xml, body_html, abstract.
func (c *Client) GetDocument(ctx context.Context, documentNumber string) (domain.ExecutiveOrder, error) {
	if c.httpClient == nil {
		return domain.ExecutiveOrder{}, fmt.Errorf("http client is not configured")
	}
	baseURL := strings.TrimRight(c.cfg.BaseURL, "/")
	endpoint := fmt.Sprintf("%s/documents/%s.json", baseURL, url.PathEscape(documentNumber))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.ExecutiveOrder{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	metrics.ObserveNetworkRequest("fedregister", "get_document", "documents", start, err)
	if err != nil {
		return domain.ExecutiveOrder{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ExecutiveOrder{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.ExecutiveOrder{}, fmt.Errorf("fedregister document failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed documentDetail
	if err := json.Unmarshal(data, &parsed); err != nil {
		return domain.ExecutiveOrder{}, fmt.Errorf("decode response: %w", err)
	}
	order := parsed.toOrder()
	order.RawText = firstNonEmpty(parsed.FullTextXML, parsed.BodyHTML, parsed.Abstract)
	return order, nil
}

func (e documentEntry) toOrder() domain.ExecutiveOrder {
	return domain.ExecutiveOrder{
		DocumentNumber:  e.DocumentNumber,
		Title:           e.Title,
		SigningDate:     e.SigningDate,
		PublicationDate: e.PublicationDate,
		HTMLURL:         e.HTMLURL,
		PDFURL:          e.PDFURL,
		Abstract:        e.Abstract,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
