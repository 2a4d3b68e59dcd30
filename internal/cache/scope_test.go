package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"channel-reports/internal/infra/kv"
	"channel-reports/internal/infra/tasks"
)

type fakeStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	delay time.Duration
	err   error

	gets     int
	mgets    int
	puts     int
	lastMGet []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	f.gets++
	delay, err := f.delay, f.err
	value := f.data[key]
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (f *fakeStore) Put(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	f.puts++
	f.data[key] = append([]byte(nil), value...)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) GetMany(_ context.Context, keys []string) ([][]byte, error) {
	f.mu.Lock()
	f.mgets++
	f.lastMGet = append([]string(nil), keys...)
	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = f.data[key]
	}
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return values, nil
}

func (f *fakeStore) List(_ context.Context, prefix string, limit int) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	delete(f.data, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) counts() (gets, mgets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.mgets
}

func newTestScope(store kv.Store, timeout time.Duration, maxEntries int) *Scope {
	stores := kv.NewStores(func(kv.Namespace) kv.Store { return store })
	return NewManager(stores, nil, zerolog.Nop(), timeout, maxEntries).NewScope(zerolog.Nop())
}

func TestScopeGetDeduplicatesRepeatedReads(t *testing.T) {
	store := newFakeStore()
	store.data["12:2h"] = []byte(`{"ok":true}`)
	scope := newTestScope(store, time.Second, 100)
	ctx := context.Background()

	first := scope.Get(ctx, kv.NamespaceReports, "12:2h")
	second := scope.Get(ctx, kv.NamespaceReports, "12:2h")

	if string(first) != `{"ok":true}` || string(second) != `{"ok":true}` {
		t.Fatalf("ожидали одинаковые значения, получили %q и %q", first, second)
	}
	if gets, _ := store.counts(); gets != 1 {
		t.Fatalf("ожидали один поход в хранилище, получили %d", gets)
	}
}

func TestScopeGetJoinsConcurrentReads(t *testing.T) {
	store := newFakeStore()
	store.data["k"] = []byte(`1`)
	store.delay = 30 * time.Millisecond
	scope := newTestScope(store, time.Second, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = string(scope.Get(ctx, kv.NamespaceCounts, "k"))
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		if got != "1" {
			t.Fatalf("читатель %d получил %q", i, got)
		}
	}
	if gets, _ := store.counts(); gets != 1 {
		t.Fatalf("ожидали склейку в один поход, получили %d", gets)
	}
}

func TestScopeGetMissAndErrorSuppressed(t *testing.T) {
	store := newFakeStore()
	scope := newTestScope(store, time.Second, 100)
	ctx := context.Background()

	if got := scope.Get(ctx, kv.NamespaceReports, "нет"); got != nil {
		t.Fatalf("ожидали nil на промахе, получили %q", got)
	}

	store.err = errors.New("redis down")
	if got := scope.Get(ctx, kv.NamespaceReports, "авария"); got != nil {
		t.Fatalf("ожидали nil при ошибке хранилища, получили %q", got)
	}
	// Ошибка запомнена как промах, повторное чтение не ходит в хранилище.
	if got := scope.Get(ctx, kv.NamespaceReports, "авария"); got != nil {
		t.Fatalf("ожидали nil из памяти запроса, получили %q", got)
	}
	if gets, _ := store.counts(); gets != 2 {
		t.Fatalf("ожидали 2 похода, получили %d", gets)
	}
}

func TestScopeGetTimeoutThenBackgroundResolve(t *testing.T) {
	store := newFakeStore()
	store.data["slow"] = []byte(`"готово"`)
	store.delay = 80 * time.Millisecond
	scope := newTestScope(store, 30*time.Millisecond, 100)
	ctx := context.Background()

	start := time.Now()
	if got := scope.Get(ctx, kv.NamespaceReports, "slow"); got != nil {
		t.Fatalf("ожидали nil по таймауту, получили %q", got)
	}
	if time.Since(start) > 70*time.Millisecond {
		t.Fatalf("ожидание превысило таймаут: %v", time.Since(start))
	}

	// Чтение продолжилось в фоне и разрешило запись.
	time.Sleep(100 * time.Millisecond)
	if got := scope.Get(ctx, kv.NamespaceReports, "slow"); string(got) != `"готово"` {
		t.Fatalf("ожидали фоновое разрешение, получили %q", got)
	}
	if gets, _ := store.counts(); gets != 1 {
		t.Fatalf("ожидали один поход, получили %d", gets)
	}
}

func TestScopeBatchGetFetchesOnlyUnknown(t *testing.T) {
	store := newFakeStore()
	store.data["a"] = []byte(`1`)
	store.data["c"] = []byte(`3`)
	scope := newTestScope(store, time.Second, 100)
	ctx := context.Background()

	values := scope.BatchGet(ctx, kv.NamespaceReports, []string{"a", "b", "c"})
	if len(values) != 3 {
		t.Fatalf("ожидали 3 позиции, получили %d", len(values))
	}
	if string(values[0]) != "1" || values[1] != nil || string(values[2]) != "3" {
		t.Fatalf("ожидали [1 nil 3], получили %v", values)
	}
	if _, mgets := store.counts(); mgets != 1 {
		t.Fatalf("ожидали один пакетный поход, получили %d", mgets)
	}

	// Промах тоже запомнен: повторное чтение "b" не ходит в хранилище.
	if got := scope.Get(ctx, kv.NamespaceReports, "b"); got != nil {
		t.Fatalf("ожидали nil из памяти запроса, получили %q", got)
	}

	// В следующем пакете читается только незнакомый ключ.
	store.data["d"] = []byte(`4`)
	again := scope.BatchGet(ctx, kv.NamespaceReports, []string{"a", "d"})
	if string(again[0]) != "1" || string(again[1]) != "4" {
		t.Fatalf("ожидали [1 4], получили %v", again)
	}
	store.mu.Lock()
	lastMGet := append([]string(nil), store.lastMGet...)
	store.mu.Unlock()
	if len(lastMGet) != 1 || lastMGet[0] != "d" {
		t.Fatalf("ожидали пакет только из d, получили %v", lastMGet)
	}
}

func TestScopeOverflowClearsRequestMemory(t *testing.T) {
	store := newFakeStore()
	store.data["k1"] = []byte(`1`)
	store.data["k2"] = []byte(`2`)
	store.data["k3"] = []byte(`3`)
	scope := newTestScope(store, time.Second, 2)
	ctx := context.Background()

	scope.Get(ctx, kv.NamespaceReports, "k1")
	scope.Get(ctx, kv.NamespaceReports, "k2")
	scope.Get(ctx, kv.NamespaceReports, "k3") // переполнение, карта сброшена

	if got := scope.Get(ctx, kv.NamespaceReports, "k1"); string(got) != "1" {
		t.Fatalf("ожидали повторное чтение после сброса, получили %q", got)
	}
	if gets, _ := store.counts(); gets != 4 {
		t.Fatalf("ожидали 4 похода (k1 заново после сброса), получили %d", gets)
	}
}

func TestScopePutWriteThrough(t *testing.T) {
	store := newFakeStore()
	scope := newTestScope(store, time.Second, 100)
	ctx := context.Background()

	if err := scope.Put(ctx, kv.NamespaceHomepage, "current", []byte(`["r1"]`), time.Hour); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := scope.Get(ctx, kv.NamespaceHomepage, "current"); string(got) != `["r1"]` {
		t.Fatalf("ожидали значение из памяти запроса, получили %q", got)
	}
	if gets, _ := store.counts(); gets != 0 {
		t.Fatalf("не ожидали походов за только что записанным ключом, получили %d", gets)
	}
	if store.puts != 1 {
		t.Fatalf("ожидали сквозную запись в хранилище")
	}
}

func TestScopeUnknownNamespace(t *testing.T) {
	store := newFakeStore()
	scope := newTestScope(store, time.Second, 100)
	ctx := context.Background()

	if got := scope.Get(ctx, kv.Namespace("サ"), "k"); got != nil {
		t.Fatalf("ожидали nil для неизвестного пространства")
	}
	if err := scope.Put(ctx, kv.Namespace("サ"), "k", []byte("v"), 0); err == nil {
		t.Fatalf("ожидали ошибку записи в неизвестное пространство")
	}
}

func TestScopeDeleteForgetsKey(t *testing.T) {
	store := newFakeStore()
	scope := newTestScope(store, time.Second, 100)
	ctx := context.Background()

	if err := scope.Put(ctx, kv.NamespaceReports, "12:2h", []byte(`[1]`), time.Hour); err != nil {
		t.Fatalf("не ожидали ошибку записи: %v", err)
	}
	if err := scope.Delete(ctx, kv.NamespaceReports, "12:2h"); err != nil {
		t.Fatalf("не ожидали ошибку удаления: %v", err)
	}

	// Память запроса забыла ключ: чтение идёт в хранилище и находит промах.
	if got := scope.Get(ctx, kv.NamespaceReports, "12:2h"); got != nil {
		t.Fatalf("ожидали nil после удаления, получили %q", got)
	}
	if gets, _ := store.counts(); gets != 1 {
		t.Fatalf("ожидали поход в хранилище после удаления, получили %d", gets)
	}
}

func TestScopeRefreshInBackground(t *testing.T) {
	store := newFakeStore()
	stores := kv.NewStores(func(kv.Namespace) kv.Store { return store })
	runner := tasks.NewRunner(zerolog.Nop(), 4, 1, time.Second)
	manager := NewManager(stores, runner, zerolog.Nop(), time.Second, 100)
	scope := manager.NewScope(zerolog.Nop())

	submitted := scope.RefreshInBackground("warm_reports", kv.NamespaceReports, "12:2h", time.Hour, func(ctx context.Context) (any, error) {
		return payload{Name: "fresh"}, nil
	})
	if !submitted {
		t.Fatalf("ожидали постановку задачи в очередь")
	}
	runner.Close()

	value, ok := Get[payload](context.Background(), manager.NewScope(zerolog.Nop()), kv.NamespaceReports, "12:2h")
	if !ok || value.Name != "fresh" {
		t.Fatalf("ожидали обновлённое значение, получили %+v (%v)", value, ok)
	}
}

func TestScopeRefreshInBackgroundWithoutRunner(t *testing.T) {
	store := newFakeStore()
	scope := newTestScope(store, time.Second, 100)

	submitted := scope.RefreshInBackground("warm_reports", kv.NamespaceReports, "k", time.Hour, func(ctx context.Context) (any, error) {
		t.Errorf("fetch не должен вызываться без пула")
		return nil, nil
	})
	if submitted {
		t.Fatalf("ожидали false без пула фоновых задач")
	}
}

func TestScopeFromContext(t *testing.T) {
	store := newFakeStore()
	stores := kv.NewStores(func(kv.Namespace) kv.Store { return store })
	manager := NewManager(stores, nil, zerolog.Nop(), time.Second, 100)

	scope := manager.NewScope(zerolog.Nop())
	ctx := WithScope(context.Background(), scope)
	if got := manager.ScopeFrom(ctx); got != scope {
		t.Fatalf("ожидали Scope из контекста")
	}

	// Без middleware возвращается свежий рабочий Scope.
	fallback := manager.ScopeFrom(context.Background())
	if fallback == nil || fallback == scope {
		t.Fatalf("ожидали свежий Scope вне контекста запроса")
	}
	if got := fallback.Get(context.Background(), kv.NamespaceReports, "нет"); got != nil {
		t.Fatalf("свежий Scope должен работать: получили %q", got)
	}
}

type payload struct {
	Name string `json:"name"`
}

func TestTypedGetAndBatchGet(t *testing.T) {
	store := newFakeStore()
	store.data["ok"] = []byte(`{"name":"alpha"}`)
	store.data["битый"] = []byte(`{не json`)
	scope := newTestScope(store, time.Second, 100)
	ctx := context.Background()

	value, ok := Get[payload](ctx, scope, kv.NamespaceReports, "ok")
	if !ok || value.Name != "alpha" {
		t.Fatalf("ожидали декодированное значение, получили %+v (%v)", value, ok)
	}

	if _, ok := Get[payload](ctx, scope, kv.NamespaceReports, "битый"); ok {
		t.Fatalf("ожидали промах на повреждённом JSON")
	}

	values := BatchGet[payload](ctx, scope, kv.NamespaceReports, []string{"ok", "нет", "битый"})
	if values[0] == nil || values[0].Name != "alpha" {
		t.Fatalf("ожидали alpha в первой позиции, получили %+v", values[0])
	}
	if values[1] != nil || values[2] != nil {
		t.Fatalf("ожидали nil для промаха и повреждённого значения")
	}
}

func TestTypedPut(t *testing.T) {
	store := newFakeStore()
	scope := newTestScope(store, time.Second, 100)
	ctx := context.Background()

	if err := Put(ctx, scope, kv.NamespaceReports, "k", payload{Name: "beta"}, time.Minute); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	value, ok := Get[payload](ctx, scope, kv.NamespaceReports, "k")
	if !ok || value.Name != "beta" {
		t.Fatalf("ожидали beta, получили %+v (%v)", value, ok)
	}
}
