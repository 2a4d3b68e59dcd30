package synthesizer

import (
	"context"
	"testing"
)

func TestSimpleSynthesize(t *testing.T) {
	s := NewSimple()

	report, err := s.Synthesize(context.Background(), testInput())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.Headline != "ЦЕНТР" {
		t.Fatalf("ожидали заголовок из имени канала, получили %q", report.Headline)
	}
	if report.Body != "первое второе." {
		t.Fatalf("ожидали склейку сообщений с точкой, получили %q", report.Body)
	}
	if report.City != "Казань" {
		t.Fatalf("ожидали город канала, получили %q", report.City)
	}
	if report.MessageCount != 2 {
		t.Fatalf("ожидали учёт сообщений")
	}
}

func TestSimpleSynthesizeNoText(t *testing.T) {
	s := NewSimple()
	input := testInput()
	for i := range input.Messages {
		input.Messages[i].Content = "  "
	}

	report, err := s.Synthesize(context.Background(), input)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.Body != "За период нет текстовых сообщений." {
		t.Fatalf("ожидали заглушку тела, получили %q", report.Body)
	}
}
