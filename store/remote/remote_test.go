package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eqr/pbschema"
	"github.com/eqr/pbschema/migrations"
	"github.com/eqr/pbschema/schema"
)

func TestStoreFindAndSave(t *testing.T) {
	server := newFakePocketBase(t)
	ctx := context.Background()
	store := NewStore(server.client())

	c, err := store.FindCollectionByRef(ctx, "pbc_2153001328")
	if err != nil {
		t.Fatalf("FindCollectionByRef: %v", err)
	}
	if c.Name != "devices" || len(c.Fields) != 2 {
		t.Fatalf("unexpected collection %+v", c)
	}

	f, err := schema.NewRelationField(
		schema.FieldBase{ID: "relation3782173140", Name: "building"},
		schema.RelationOptions{CollectionID: "pbc_1482120091", MaxSelect: 1},
	)
	if err != nil {
		t.Fatalf("NewRelationField: %v", err)
	}
	c.AddFieldAt(2, f)

	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	patch := server.lastPatch["pbc_2153001328"]
	if patch == nil {
		t.Fatal("expected PATCH request")
	}
	if _, ok := patch["name"]; !ok {
		t.Fatalf("patch without name: %v", patch)
	}
	fields, _ := patch["fields"].([]any)
	if len(fields) != 3 {
		t.Fatalf("patched %d fields, want 3", len(fields))
	}
	// Unknown keys read from the server are written back.
	first, _ := fields[0].(map[string]any)
	if first["autogeneratePattern"] != "[a-z0-9]{15}" {
		t.Fatalf("lost autogeneratePattern: %v", first)
	}
	if _, ok := patch["listRule"]; ok {
		t.Fatalf("patch should only carry name and fields: %v", patch)
	}
}

func TestStoreFindByName(t *testing.T) {
	server := newFakePocketBase(t)
	store := NewStore(server.client())

	c, err := store.FindCollectionByRef(context.Background(), "Building")
	if err != nil {
		t.Fatalf("FindCollectionByRef: %v", err)
	}
	if c.ID != "pbc_1482120091" {
		t.Fatalf("id %q, want pbc_1482120091", c.ID)
	}
}

func TestStoreNotFound(t *testing.T) {
	server := newFakePocketBase(t)
	store := NewStore(server.client())

	_, err := store.FindCollectionByRef(context.Background(), "pbc_missing")
	if !errors.Is(err, migrations.ErrNotFound) {
		t.Fatalf("expected migrations.ErrNotFound, got %v", err)
	}
	if !errors.Is(err, pbschema.ErrNotFound) {
		t.Fatalf("expected pbschema.ErrNotFound in chain, got %v", err)
	}
}

func TestStoreSaveRejected(t *testing.T) {
	server := newFakePocketBase(t)
	server.rejectPatch = true
	store := NewStore(server.client())
	ctx := context.Background()

	c, err := store.FindCollectionByRef(ctx, "pbc_1482120091")
	if err != nil {
		t.Fatalf("FindCollectionByRef: %v", err)
	}
	c.SetName("devices")

	err = store.Save(ctx, c)
	if !errors.Is(err, migrations.ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	if !strings.Contains(err.Error(), "name: Collection name must be unique") {
		t.Fatalf("error should carry server detail: %v", err)
	}
}

func TestLedgerAutoCreatesCollection(t *testing.T) {
	server := newFakePocketBase(t)
	ledger := NewLedger(server.client(), WithAppName("dashboard"))
	ctx := context.Background()

	applied, err := ledger.Applied(ctx)
	if err != nil {
		t.Fatalf("Applied: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected empty ledger, got %v", applied)
	}
	if !server.ledgerExists {
		t.Fatal("ledger collection was not created")
	}

	if rule, ok := server.createdLedger["listRule"]; !ok || rule != nil {
		t.Fatalf("ledger listRule = %v, want null", rule)
	}
}

func TestLedgerWithoutAutoCreate(t *testing.T) {
	server := newFakePocketBase(t)
	ledger := NewLedger(server.client(), WithAutoCreate(false))

	err := ledger.Record(context.Background(), "1")
	if !errors.Is(err, migrations.ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got %v", err)
	}
	if server.ledgerExists {
		t.Fatal("collection should not have been created when autoCreate is false")
	}
}

func TestLedgerRecordAndRemove(t *testing.T) {
	server := newFakePocketBase(t)
	server.ledgerExists = true
	server.addRecord("other", "1736429312", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	clock := time.Date(2025, 1, 9, 12, 0, 0, 0, time.UTC)
	ledger := NewLedger(server.client(), WithAppName("dashboard"), WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	ctx := context.Background()

	for _, id := range []string{"1736429312", "1736429329"} {
		if err := ledger.Record(ctx, id); err != nil {
			t.Fatalf("Record %s: %v", id, err)
		}
	}

	applied, err := ledger.Applied(ctx)
	if err != nil {
		t.Fatalf("Applied: %v", err)
	}
	if len(applied) != 2 || applied[0].StepID != "1736429312" || applied[1].StepID != "1736429329" {
		t.Fatalf("unexpected applied %+v", applied)
	}
	if applied[0].AppName != "dashboard" {
		t.Fatalf("app name %q", applied[0].AppName)
	}

	if err := ledger.Remove(ctx, "1736429329"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := ledger.Remove(ctx, "1736429329"); !errors.Is(err, migrations.ErrNotApplied) {
		t.Fatalf("expected ErrNotApplied, got %v", err)
	}

	// The other app's record is untouched.
	if len(server.records) != 2 {
		t.Fatalf("records %d, want 2", len(server.records))
	}
}

func TestLedgerDuplicateRecordIsPersistError(t *testing.T) {
	server := newFakePocketBase(t)
	ledger := NewLedger(server.client())
	ctx := context.Background()

	if err := ledger.Record(ctx, "1"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := ledger.Record(ctx, "1"); !errors.Is(err, migrations.ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
}

func TestRunnerAgainstFakeServer(t *testing.T) {
	server := newFakePocketBase(t)
	client := server.client()
	ctx := context.Background()

	f, err := schema.NewRelationField(
		schema.FieldBase{ID: "relation3782173140", Name: "building"},
		schema.RelationOptions{CollectionID: "pbc_1482120091", MaxSelect: 1},
	)
	if err != nil {
		t.Fatalf("NewRelationField: %v", err)
	}

	runner := migrations.NewRunner(NewStore(client), NewLedger(client))
	if err := runner.RegisterAll(
		migrations.RenameStep("1736429312", "pbc_1482120091", "Building", "building"),
		migrations.AddFieldStep("1736429329", "pbc_2153001328", 2, f),
	); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	if err := runner.ApplyAll(ctx); err != nil {
		t.Fatalf("ApplyAll: %v", err)
	}
	if name := server.collectionName("pbc_1482120091"); name != "building" {
		t.Fatalf("collection name %q, want building", name)
	}
	if n := server.fieldCount("pbc_2153001328"); n != 3 {
		t.Fatalf("field count %d, want 3", n)
	}

	if err := runner.Revert(ctx, 2); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if name := server.collectionName("pbc_1482120091"); name != "Building" {
		t.Fatalf("collection name %q, want Building", name)
	}
	if n := server.fieldCount("pbc_2153001328"); n != 2 {
		t.Fatalf("field count %d, want 2", n)
	}
	if len(server.records) != 0 {
		t.Fatalf("ledger not empty: %v", server.records)
	}
}

// --- test helpers ---

const seedCollections = `[
  {"id":"pbc_1482120091","name":"Building","type":"base","system":false,"listRule":null,
   "fields":[
     {"id":"text3208210256","name":"id","type":"text","system":true,"primaryKey":true,"required":true,"autogeneratePattern":"[a-z0-9]{15}","min":15,"max":15,"pattern":"^[a-z0-9]+$"},
     {"id":"text1579384326","name":"name","type":"text"}
   ]},
  {"id":"pbc_2153001328","name":"devices","type":"base","system":false,"listRule":null,
   "fields":[
     {"id":"text3208210256","name":"id","type":"text","system":true,"primaryKey":true,"required":true,"autogeneratePattern":"[a-z0-9]{15}","min":15,"max":15,"pattern":"^[a-z0-9]+$"},
     {"id":"text1579384326","name":"name","type":"text"}
   ]}
]`

type fakeRecord struct {
	ID        string `json:"id"`
	AppName   string `json:"appname"`
	Name      string `json:"name"`
	AppliedAt string `json:"applied_at"`
}

type fakePocketBase struct {
	t  *testing.T
	ts *httptest.Server

	mu            sync.Mutex
	collections   []map[string]any
	lastPatch     map[string]map[string]any
	rejectPatch   bool
	ledgerExists  bool
	createdLedger map[string]any
	records       []fakeRecord
	nextID        int
}

func newFakePocketBase(t *testing.T) *fakePocketBase {
	s := &fakePocketBase{
		t:         t,
		lastPatch: make(map[string]map[string]any),
		nextID:    1,
	}
	if err := json.Unmarshal([]byte(seedCollections), &s.collections); err != nil {
		t.Fatalf("seed collections: %v", err)
	}
	s.ts = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *fakePocketBase) client() pbschema.AuthenticatedClient {
	client, err := pbschema.NewTokenClient(s.ts.URL, "test-token", pbschema.WithHTTPClient(s.ts.Client()))
	if err != nil {
		s.t.Fatalf("build client: %v", err)
	}
	return client
}

func (s *fakePocketBase) addRecord(app, name string, appliedAt time.Time) {
	s.records = append(s.records, fakeRecord{
		ID:        "r" + strconv.Itoa(s.nextID),
		AppName:   app,
		Name:      name,
		AppliedAt: appliedAt.Format("2006-01-02 15:04:05.000Z"),
	})
	s.nextID++
}

func (s *fakePocketBase) find(ref string) map[string]any {
	for _, c := range s.collections {
		if c["id"] == ref || strings.EqualFold(c["name"].(string), ref) {
			return c
		}
	}
	return nil
}

func (s *fakePocketBase) collectionName(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(id)["name"].(string)
}

func (s *fakePocketBase) fieldCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, _ := s.find(id)["fields"].([]any)
	return len(fields)
}

func (s *fakePocketBase) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer test-token" {
		writeError(w, http.StatusUnauthorized, "The request requires valid superuser authorization token.", nil)
		return
	}

	ledgerPath := "/api/collections/" + migrations.DefaultLedgerName
	switch {
	case r.URL.Path == "/api/collections" && r.Method == http.MethodPost:
		s.handleCreateCollection(w, r)
	case r.URL.Path == ledgerPath:
		if !s.ledgerExists {
			writeError(w, http.StatusNotFound, "The requested resource wasn't found.", nil)
			return
		}
		writeJSON(w, http.StatusOK, s.createdLedger)
	case strings.HasPrefix(r.URL.Path, ledgerPath+"/records"):
		s.handleRecords(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/collections/"):
		s.handleCollection(w, r, strings.TrimPrefix(r.URL.Path, "/api/collections/"))
	default:
		http.NotFound(w, r)
	}
}

func (s *fakePocketBase) handleCollection(w http.ResponseWriter, r *http.Request, ref string) {
	c := s.find(ref)
	if c == nil {
		writeError(w, http.StatusNotFound, "The requested resource wasn't found.", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, c)
	case http.MethodPatch:
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "bad json", nil)
			return
		}
		s.lastPatch[ref] = patch
		if s.rejectPatch {
			writeError(w, http.StatusBadRequest, "Failed to update collection.", map[string]any{
				"name": map[string]string{"code": "validation_collection_name_exists", "message": "Collection name must be unique (case insensitive)."},
			})
			return
		}
		for k, v := range patch {
			c[k] = v
		}
		writeJSON(w, http.StatusOK, c)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *fakePocketBase) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad json", nil)
		return
	}
	if payload["name"] != migrations.DefaultLedgerName {
		writeError(w, http.StatusBadRequest, "unexpected collection", nil)
		return
	}
	s.ledgerExists = true
	s.createdLedger = payload
	writeJSON(w, http.StatusOK, payload)
}

func (s *fakePocketBase) handleRecords(w http.ResponseWriter, r *http.Request) {
	if !s.ledgerExists {
		writeError(w, http.StatusNotFound, "Missing collection context.", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleList(w, r)
	case http.MethodPost:
		s.handleCreateRecord(w, r)
	case http.MethodDelete:
		s.handleDeleteRecord(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// matchFilter understands the filters the ledger sends: equality terms
// joined by &&.
func matchFilter(filter string, rec fakeRecord) bool {
	filter = strings.Trim(filter, "()")
	if filter == "" {
		return true
	}
	for _, term := range strings.Split(filter, "&&") {
		term = strings.Trim(strings.TrimSpace(term), "()")
		key, value, ok := strings.Cut(term, "=")
		if !ok {
			return false
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "'")
		switch key {
		case "appname":
			if rec.AppName != value {
				return false
			}
		case "name":
			if rec.Name != value {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (s *fakePocketBase) handleList(w http.ResponseWriter, r *http.Request) {
	perPage := parseIntDefault(r.URL.Query().Get("perPage"), 30)
	page := parseIntDefault(r.URL.Query().Get("page"), 1)
	filter := r.URL.Query().Get("filter")

	matched := make([]fakeRecord, 0, len(s.records))
	for _, rec := range s.records {
		if matchFilter(filter, rec) {
			matched = append(matched, rec)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].AppliedAt < matched[j].AppliedAt
	})

	totalItems := len(matched)
	start := min((page-1)*perPage, totalItems)
	end := min(start+perPage, totalItems)

	totalPages := 0
	if perPage > 0 {
		totalPages = (totalItems + perPage - 1) / perPage
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":      matched[start:end],
		"page":       page,
		"perPage":    perPage,
		"totalItems": totalItems,
		"totalPages": totalPages,
	})
}

func (s *fakePocketBase) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var rec fakeRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "bad json", nil)
		return
	}
	for _, existing := range s.records {
		if existing.AppName == rec.AppName && existing.Name == rec.Name {
			writeError(w, http.StatusBadRequest, "Failed to create record.", map[string]any{
				"name": map[string]string{"code": "validation_not_unique", "message": "Value must be unique."},
			})
			return
		}
	}

	applied, err := time.Parse(time.RFC3339Nano, rec.AppliedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to create record.", map[string]any{
			"applied_at": map[string]string{"code": "validation_invalid_datetime", "message": "Must be a valid datetime."},
		})
		return
	}
	rec.AppliedAt = applied.UTC().Format("2006-01-02 15:04:05.000Z")
	rec.ID = "r" + strconv.Itoa(s.nextID)
	s.nextID++
	s.records = append(s.records, rec)

	writeJSON(w, http.StatusOK, rec)
}

func (s *fakePocketBase) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/collections/"+migrations.DefaultLedgerName+"/records/")
	for idx, rec := range s.records {
		if rec.ID == id {
			s.records = append(s.records[:idx], s.records[idx+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, "The requested resource wasn't found.", nil)
}

func writeError(w http.ResponseWriter, status int, message string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	writeJSON(w, status, map[string]any{"status": status, "message": message, "data": data})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return val
}
