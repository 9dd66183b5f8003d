package v1

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterdesk/internal/model"
	"meterdesk/internal/persistence"
	"meterdesk/internal/schema"
	"meterdesk/internal/service/calculator"
	"meterdesk/internal/service/session"
	"meterdesk/internal/service/tabular"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := persistence.NewSQLite(filepath.Join(t.TempDir(), "meterdesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mgr := session.NewManager(db, schema.Default(), calculator.NewEngine(), session.Options{MaxSubs: 2})
	r := gin.New()
	api := r.Group("/api")
	NewHandler(mgr).RegisterRoutes(api)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type editBody struct {
	Touched []string    `json:"touched"`
	Session sessionView `json:"session"`
}

func createClient(t *testing.T, r http.Handler) string {
	t.Helper()
	w := do(t, r, http.MethodPost, "/api/clients", gin.H{"name": "Sunrise Agro"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[sessionView](t, w).Session.ID
}

func addSub(t *testing.T, r http.Handler, sid string) string {
	t.Helper()
	w := do(t, r, http.MethodPost, "/api/sessions/"+sid+"/subs", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[struct {
		ID string `json:"id"`
	}](t, w).ID
}

func patch(t *testing.T, r http.Handler, sid, level, id, field, value string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, r, http.MethodPatch, "/api/sessions/"+sid+"/fields",
		gin.H{"level": level, "id": id, "field": field, "value": value})
}

func mustPatch(t *testing.T, r http.Handler, sid, level, id string, values map[string]string) {
	t.Helper()
	for field, v := range values {
		w := patch(t, r, sid, level, id, field, v)
		require.Equal(t, http.StatusOK, w.Code, "%s: %s", field, w.Body.String())
	}
}

func fillClient(t *testing.T, r http.Handler, sid, subID string) {
	t.Helper()
	mustPatch(t, r, sid, "main", sid, map[string]string{
		"clientCode":    "SA-001",
		"contact.phone": "9876543210",
		"address.city":  "Pune",
		"address.state": "Maharashtra",
	})
	mustPatch(t, r, sid, "sub", subID, map[string]string{
		"name":           "Unit 1",
		"contact.phone":  "9123456780",
		"address.city":   "Pune",
		"address.state":  "Maharashtra",
		"consumerNumber": "CN-1",
		"meterNumber":    "MT-1",
		"acCapacity":     "60",
		"dcCapacity":     "75",
	})
}

func TestFieldPatchCascades(t *testing.T) {
	r := newTestRouter(t)
	sid := createClient(t, r)
	s1 := addSub(t, r, sid)
	s2 := addSub(t, r, sid)

	mustPatch(t, r, sid, "sub", s1, map[string]string{"acCapacity": "30"})
	w := patch(t, r, sid, "sub", s2, "acCapacity", "70 kW")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode[editBody](t, w)
	assert.Contains(t, body.Touched, "main."+sid+".acCapacity")
	assert.Equal(t, "100", body.Session.Main.Values["acCapacity"])
	assert.Equal(t, "100.00%", body.Session.Main.Values["sharingPercentage"])
	require.Len(t, body.Session.Subs, 2)
	assert.Equal(t, "30.00%", body.Session.Subs[0].Values["sharingPercentage"])
	assert.Equal(t, "70.00%", body.Session.Subs[1].Values["sharingPercentage"])
	assert.Equal(t, "SUB-02", body.Session.Subs[1].Column)
	assert.True(t, body.Session.Session.Dirty)
}

func TestFieldPatchErrors(t *testing.T) {
	r := newTestRouter(t)
	sid := createClient(t, r)
	sub := addSub(t, r, sid)

	tests := []struct {
		name   string
		level  string
		id     string
		field  string
		value  string
		status int
	}{
		{"unknown level", "site", sub, "name", "x", http.StatusBadRequest},
		{"unknown record", "sub", "missing", "name", "x", http.StatusNotFound},
		{"computed field", "sub", sub, "sharingPercentage", "50", http.StatusBadRequest},
		{"garbled number", "sub", sub, "acCapacity", "lots", http.StatusBadRequest},
		{"missing field", "sub", sub, "", "x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := patch(t, r, sid, tt.level, tt.id, tt.field, tt.value)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[gin.H](t, w)["error"])
		})
	}

	w := do(t, r, http.MethodGet, "/api/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	addSub(t, r, sid)
	w = do(t, r, http.MethodPost, "/api/sessions/"+sid+"/subs", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "sub limit reached")
}

func TestSaveFlow(t *testing.T) {
	r := newTestRouter(t)
	sid := createClient(t, r)
	sub := addSub(t, r, sid)

	w := do(t, r, http.MethodPost, "/api/sessions/"+sid+"/save", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	invalid := decode[struct {
		Errors map[string]string `json:"errors"`
	}](t, w)
	assert.Contains(t, invalid.Errors, "main."+sid+".clientCode")
	assert.NotContains(t, invalid.Errors, "sub."+sub+".acCapacity", "unnamed subs are not checked")

	fillClient(t, r, sid, sub)

	w = do(t, r, http.MethodGet, "/api/sessions/"+sid+"/changes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	changes := decode[changesResponse](t, w)
	assert.Equal(t, []string{"sub." + sub}, changes.Creates)
	assert.NotEmpty(t, changes.Patches)

	w = do(t, r, http.MethodPost, "/api/sessions/"+sid+"/save", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	saved := decode[struct {
		Report  session.SaveReport `json:"report"`
		Session sessionView        `json:"session"`
	}](t, w)
	assert.Empty(t, saved.Report.Failed)
	assert.False(t, saved.Session.Session.Dirty)
	require.Len(t, saved.Session.Subs, 1)
	savedSub := saved.Session.Subs[0].ID
	assert.True(t, saved.Session.Subs[0].Persisted)

	w = do(t, r, http.MethodGet, "/api/sessions/"+sid+"/history?level=main&record="+sid+"&field=clientCode", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[struct {
		Items []any `json:"items"`
	}](t, w).Items, 1)

	w = do(t, r, http.MethodDelete, "/api/sessions/"+sid+"/subs/"+savedSub, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, true, decode[gin.H](t, w)["confirmRequired"])

	w = do(t, r, http.MethodDelete, "/api/sessions/"+sid+"/subs/"+savedSub+"?confirm=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, decode[sessionView](t, w).Subs)
}

func TestSplitAndOverride(t *testing.T) {
	r := newTestRouter(t)
	sid := createClient(t, r)
	sub := addSub(t, r, sid)
	mustPatch(t, r, sid, "sub", sub, map[string]string{"acCapacity": "40"})

	w := do(t, r, http.MethodPut, "/api/sessions/"+sid+"/subs/"+sub+"/split", gin.H{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decode[editBody](t, w).Session
	require.Len(t, view.Subs[0].Parts, 2)
	assert.Equal(t, "100.00%", view.Subs[0].Parts[0].Values["sharingPercentage"])
	assert.Equal(t, "", view.Subs[0].Parts[1].Values["sharingPercentage"])

	w = do(t, r, http.MethodPut, "/api/sessions/"+sid+"/subs/"+sub+"/split", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = patch(t, r, sid, "main", sid, "acCapacity", "55")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"acCapacity"}, decode[editBody](t, w).Session.Main.Overrides)

	w = do(t, r, http.MethodDelete, "/api/sessions/"+sid+"/overrides/acCapacity", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	main := decode[editBody](t, w).Session.Main
	assert.Empty(t, main.Overrides)
	assert.Equal(t, "40", main.Values["acCapacity"])
}

func TestImportExport(t *testing.T) {
	r := newTestRouter(t)
	sid := createClient(t, r)
	addSub(t, r, sid)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "clients.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("FIELD,MAIN,SUB-01\nName,Sunrise Agro,Unit 9\nAC Capacity (kW),,25\nSharing Percentage,,10\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sid+"/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	imported := decode[struct {
		Report  tabular.DecodeReport `json:"report"`
		Session sessionView          `json:"session"`
	}](t, w)
	require.Len(t, imported.Session.Subs, 1)
	assert.Equal(t, "Unit 9", imported.Session.Subs[0].Values["name"])
	assert.Equal(t, "25", imported.Session.Subs[0].Values["acCapacity"])
	assert.Equal(t, "100.00%", imported.Session.Subs[0].Values["sharingPercentage"], "computed cells are ignored")

	w = do(t, r, http.MethodGet, "/api/sessions/"+sid+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "Sunrise%20Agro.csv")
	assert.True(t, strings.HasPrefix(w.Body.String(), "FIELD,MAIN,SUB-01\n"))

	w = do(t, r, http.MethodGet, "/api/sessions/"+sid+"/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSchema(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, http.MethodGet, "/api/schema?level=part", nil)
	require.Equal(t, http.StatusOK, w.Code)
	fields := decode[struct {
		Fields []fieldView `json:"fields"`
	}](t, w).Fields
	require.NotEmpty(t, fields)
	for _, f := range fields {
		assert.Contains(t, f.AppliesTo, model.LevelPart, f.ID)
	}

	w = do(t, r, http.MethodGet, "/api/schema?level=site", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBuildExportContentDisposition(t *testing.T) {
	got := buildExportContentDisposition("Sūrya \"Agro\"", tabular.FormatXLSX)
	want := "attachment; filename=\"S_rya _Agro_.xlsx\"; filename*=UTF-8''S%C5%ABrya%20%22Agro%22.xlsx"
	assert.Equal(t, want, got)

	assert.Equal(t, "attachment; filename=\"clients.csv\"; filename*=UTF-8''clients.csv",
		buildExportContentDisposition("  ", tabular.FormatCSV))
}
