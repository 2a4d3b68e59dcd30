package fedregister

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestListExecutiveOrdersPaginates(t *testing.T) {
	var pages []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/documents.json" {
			t.Errorf("неожиданный путь: %s", r.URL.Path)
		}
		query := r.URL.Query()
		if got := query.Get("conditions[presidential_document_type][]"); got != "executive_order" {
			t.Errorf("нет фильтра по типу документа: %q", got)
		}
		if got := query.Get("conditions[signing_date][gte]"); got != "2025-01-20" {
			t.Errorf("нет фильтра по дате подписания: %q", got)
		}
		if got := query.Get("per_page"); got != "20" {
			t.Errorf("ожидали per_page=20, получили %q", got)
		}
		page := query.Get("page")
		pages = append(pages, page)
		switch page {
		case "1":
			fmt.Fprint(w, `{"count":3,"results":[{"document_number":"2025-001","title":"Первый","signing_date":"2025-01-21"},{"document_number":"2025-002","title":"Второй","signing_date":"2025-01-22"}]}`)
		case "2":
			fmt.Fprint(w, `{"count":3,"results":[{"document_number":"2025-003","title":"Третий","signing_date":"2025-01-23"}]}`)
		default:
			fmt.Fprint(w, `{"count":3,"results":[]}`)
		}
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	orders, err := client.ListExecutiveOrders(context.Background(), "2025-01-20")
	if err != nil {
		t.Fatalf("листинг завершился ошибкой: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("ожидали 3 указа, получили %d", len(orders))
	}
	if orders[0].DocumentNumber != "2025-001" || orders[2].DocumentNumber != "2025-003" {
		t.Fatalf("указы должны идти в порядке страниц: %+v", orders)
	}
	if len(pages) != 3 {
		t.Fatalf("ожидали 3 запроса страниц, получили %v", pages)
	}
}

func TestListExecutiveOrdersServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, err := client.ListExecutiveOrders(context.Background(), "2025-01-20")
	if err == nil || !strings.Contains(err.Error(), "fedregister list failed") {
		t.Fatalf("ожидали ошибку листинга, получили %v", err)
	}
}

func TestGetDocumentRawTextFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/documents/2025-001.json":
			fmt.Fprint(w, `{"document_number":"2025-001","title":"Первый","abstract":"кратко","full_text_xml":"<xml/>","body_html":"<p>html</p>"}`)
		case "/documents/2025-002.json":
			fmt.Fprint(w, `{"document_number":"2025-002","abstract":"кратко","body_html":"<p>html</p>"}`)
		case "/documents/2025-003.json":
			fmt.Fprint(w, `{"document_number":"2025-003","abstract":"кратко"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	cases := []struct {
		number string
		want   string
	}{
		{"2025-001", "<xml/>"},
		{"2025-002", "<p>html</p>"},
		{"2025-003", "кратко"},
	}
	for _, tc := range cases {
		order, err := client.GetDocument(context.Background(), tc.number)
		if err != nil {
			t.Fatalf("документ %s: %v", tc.number, err)
		}
		if order.RawText != tc.want {
			t.Fatalf("документ %s: ожидали текст %q, получили %q", tc.number, tc.want, order.RawText)
		}
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, err := client.GetDocument(context.Background(), "2025-404")
	if err == nil || !strings.Contains(err.Error(), "fedregister document failed") {
		t.Fatalf("ожидали ошибку запроса документа, получили %v", err)
	}
}
