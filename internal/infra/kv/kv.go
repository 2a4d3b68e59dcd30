package kv

import (
	"context"
	"time"
)

// Namespace — изолированное логическое пространство ключей в хранилище.
type Namespace string

const (
	// NamespaceReports хранит истории отчётов по ключу "канал:таймфрейм".
	NamespaceReports Namespace = "reports"
	// NamespaceCounts хранит счётчики активности каналов.
	NamespaceCounts Namespace = "counts"
	// NamespaceEntities хранит извлечённые сущности по идентификатору отчёта.
	NamespaceEntities Namespace = "entities"
	// NamespaceHomepage хранит подборку главной страницы (основной и резервный ключи).
	NamespaceHomepage Namespace = "homepage"
	// NamespaceOrders хранит указы Federal Register.
	NamespaceOrders Namespace = "orders"
)

// Namespaces возвращает закрытый набор известных пространств имён.
func Namespaces() []Namespace {
	return []Namespace{NamespaceReports, NamespaceCounts, NamespaceEntities, NamespaceHomepage, NamespaceOrders}
}

// Store — хранилище одного пространства имён.
type Store interface {
	// Get возвращает значение ключа или (nil, nil), если ключа нет.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put записывает значение с TTL; ttl <= 0 означает без срока.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// GetMany возвращает значения для каждого ключа; отсутствующие — nil.
	GetMany(ctx context.Context, keys []string) ([][]byte, error)
	// List возвращает до limit ключей с данным префиксом.
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	// Delete удаляет ключ.
	Delete(ctx context.Context, key string) error
}

// Stores — построенное на старте соответствие пространств имён хранилищам.
type Stores struct {
	buckets map[Namespace]Store
}

// NewStores создаёт набор хранилищ для всех известных пространств имён.
func NewStores(build func(ns Namespace) Store) *Stores {
	buckets := make(map[Namespace]Store, len(Namespaces()))
	for _, ns := range Namespaces() {
		buckets[ns] = build(ns)
	}
	return &Stores{buckets: buckets}
}

// Bucket возвращает хранилище пространства имён.
func (s *Stores) Bucket(ns Namespace) (Store, bool) {
	store, ok := s.buckets[ns]
	return store, ok
}

// OnceRunner выполняет функцию, если ключ ещё не захвачен.
type OnceRunner interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}
