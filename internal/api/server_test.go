package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rowjay/intranet-backup/internal/backup"
	"github.com/rowjay/intranet-backup/internal/db"
	"github.com/rowjay/intranet-backup/internal/metrics"
)

const (
	testToken    = "s3cret"
	testManifest = "manifest_backup_0a1b2c3d_2024-05-01T02-00-00-000Z.json"
)

type fakeService struct {
	mu         sync.Mutex
	busy       bool
	createErr  error
	restoreErr error
	deleteErr  error
	restored   []string
	confirmed  bool
}

func (f *fakeService) ListBackups(context.Context) ([]backup.BackupInfo, error) {
	return []backup.BackupInfo{{Filename: testManifest, DatabaseBackup: "database_backup_0a1b2c3d_2024-05-01T02-00-00-000Z.archive.gz", Valid: true}}, nil
}

func (f *fakeService) CreateBackup(ctx context.Context) (backup.CreateResult, error) {
	if f.createErr != nil {
		return backup.CreateResult{}, f.createErr
	}
	return backup.CreateResult{Manifest: backup.BackupInfo{Filename: testManifest, Valid: true}}, nil
}

func (f *fakeService) RestoreBackup(ctx context.Context, id string) (backup.RestoreResult, error) {
	f.mu.Lock()
	f.restored = append(f.restored, id)
	f.mu.Unlock()
	return backup.RestoreResult{Manifest: id}, f.restoreErr
}

func (f *fakeService) RestoreFiles(ctx context.Context, id string, confirm bool) (backup.RestoreFilesResult, error) {
	f.mu.Lock()
	f.confirmed = confirm
	f.mu.Unlock()
	return backup.RestoreFilesResult{Manifest: id}, nil
}

func (f *fakeService) DeleteBackup(ctx context.Context, id string) (backup.DeleteResult, error) {
	if f.deleteErr != nil {
		return backup.DeleteResult{}, f.deleteErr
	}
	return backup.DeleteResult{Manifest: id, Removed: []string{id}}, nil
}

func (f *fakeService) RotateBackups(context.Context) (backup.RotateResult, error) {
	return backup.RotateResult{Kept: []string{testManifest}}, nil
}

func (f *fakeService) Status() backup.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return backup.Status{Busy: true, Operation: "create"}
	}
	return backup.Status{Restore: backup.RestoreStatus{State: backup.StateIdle}}
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *APIError       `json:"error"`
}

func newTestServer(t *testing.T, svc *fakeService) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(svc, TokenAuthorizer{Token: testToken}, metrics.New(), zerolog.Nop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, auth bool) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode, env
}

func waitJob(t *testing.T, ts *httptest.Server, id string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		code, env := do(t, ts, http.MethodGet, "/jobs/"+id, true)
		if code != http.StatusOK {
			t.Fatalf("job lookup: %d", code)
		}
		var job Job
		if err := json.Unmarshal(env.Data, &job); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if job.Status != JobRunning {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return Job{}
}

func TestRoutesRequireAdmin(t *testing.T) {
	_, ts := newTestServer(t, &fakeService{})
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/backups"},
		{http.MethodPost, "/backups"},
		{http.MethodPost, "/backups/" + testManifest + "/restore"},
		{http.MethodDelete, "/backups/" + testManifest},
		{http.MethodGet, "/jobs/x"},
	} {
		code, env := do(t, ts, route.method, route.path, false)
		if code != http.StatusUnauthorized || env.Error == nil || env.Error.Code != "UNAUTHORIZED" {
			t.Fatalf("%s %s: expected 401, got %d %+v", route.method, route.path, code, env.Error)
		}
	}
	if code, _ := do(t, ts, http.MethodGet, "/healthz", false); code != http.StatusOK {
		t.Fatalf("healthz should be public, got %d", code)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics should be public, got %d", resp.StatusCode)
	}
}

func TestEmptyTokenRejectsEverything(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/backups", nil)
	req.Header.Set("Authorization", "Bearer ")
	if err := (TokenAuthorizer{}).Authorize(req); err == nil {
		t.Fatalf("empty configured token must not authorize")
	}
}

func TestListBackups(t *testing.T) {
	_, ts := newTestServer(t, &fakeService{})
	code, env := do(t, ts, http.MethodGet, "/backups", true)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var data struct {
		Backups []backup.BackupInfo `json:"backups"`
		Count   int                 `json:"count"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Count != 1 || data.Backups[0].Filename != testManifest || data.Backups[0].DatabaseBackup == "" {
		t.Fatalf("unexpected listing %+v", data)
	}
}

func TestCreateRunsAsJob(t *testing.T) {
	_, ts := newTestServer(t, &fakeService{})
	code, env := do(t, ts, http.MethodPost, "/backups", true)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	var job Job
	if err := json.Unmarshal(env.Data, &job); err != nil || job.ID == "" || job.Operation != "create" {
		t.Fatalf("unexpected job %+v %v", job, err)
	}
	done := waitJob(t, ts, job.ID)
	if done.Status != JobSucceeded || done.Result == nil {
		t.Fatalf("unexpected finished job %+v", done)
	}
}

func TestCreateWaitReturnsResult(t *testing.T) {
	_, ts := newTestServer(t, &fakeService{})
	code, env := do(t, ts, http.MethodPost, "/backups?wait=true", true)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	var res backup.CreateResult
	if err := json.Unmarshal(env.Data, &res); err != nil || res.Manifest.Filename != testManifest {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
}

func TestBusyServiceRejectsWithConflict(t *testing.T) {
	_, ts := newTestServer(t, &fakeService{busy: true})
	for _, path := range []string{"/backups", "/backups/" + testManifest + "/restore"} {
		code, env := do(t, ts, http.MethodPost, path, true)
		if code != http.StatusConflict || env.Error.Code != "BACKUP_IN_PROGRESS" {
			t.Fatalf("%s: expected 409, got %d %+v", path, code, env.Error)
		}
	}
}

func TestRestoreFailureCarriesOutput(t *testing.T) {
	toolErr := &db.ToolError{Tool: "mongorestore", Err: fmt.Errorf("exit status 1"), Output: "E11000 duplicate key"}
	svc := &fakeService{restoreErr: fmt.Errorf("%w: %w", backup.ErrRestoreFailed, toolErr)}
	_, ts := newTestServer(t, svc)

	id := strings.TrimSuffix(testManifest, ".json")
	code, env := do(t, ts, http.MethodPost, "/backups/"+id+"/restore", true)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	var job Job
	_ = json.Unmarshal(env.Data, &job)
	done := waitJob(t, ts, job.ID)
	if done.Status != JobFailed || done.Error == nil || done.Error.Code != "RESTORE_FAILED" || done.Error.Output != "E11000 duplicate key" {
		t.Fatalf("unexpected job %+v", done)
	}
	if done.Manifest != testManifest {
		t.Fatalf("manifest id not normalised: %s", done.Manifest)
	}
}

func TestRestoreRejectsBadIDs(t *testing.T) {
	svc := &fakeService{}
	_, ts := newTestServer(t, svc)
	for _, id := range []string{"..%2F..%2Fetc%2Fpasswd", "full_backup_0a1b2c3d_2024-05-01T02-00-00-000Z.tar.gz", "nope"} {
		code, env := do(t, ts, http.MethodPost, "/backups/"+id+"/restore", true)
		if code != http.StatusNotFound || env.Error.Code != "MANIFEST_NOT_FOUND" {
			t.Fatalf("%s: expected 404, got %d", id, code)
		}
	}
	if len(svc.restored) != 0 {
		t.Fatalf("restore ran for invalid ids: %v", svc.restored)
	}
}

func TestRestoreFilesNeedsConfirm(t *testing.T) {
	svc := &fakeService{}
	_, ts := newTestServer(t, svc)
	code, env := do(t, ts, http.MethodPost, "/backups/"+testManifest+"/restore-files", true)
	if code != http.StatusBadRequest || env.Error.Code != "CONFIRMATION_REQUIRED" {
		t.Fatalf("expected 400, got %d", code)
	}
	code, env = do(t, ts, http.MethodPost, "/backups/"+testManifest+"/restore-files?confirm=true", true)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	var job Job
	_ = json.Unmarshal(env.Data, &job)
	if done := waitJob(t, ts, job.ID); done.Status != JobSucceeded {
		t.Fatalf("unexpected job %+v", done)
	}
}

func TestDeleteMapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
		name string
	}{
		{nil, http.StatusOK, ""},
		{fmt.Errorf("%w: %s", backup.ErrManifestNotFound, testManifest), http.StatusNotFound, "MANIFEST_NOT_FOUND"},
		{fmt.Errorf("%w: busy", backup.ErrBackupInProgress), http.StatusConflict, "BACKUP_IN_PROGRESS"},
		{fmt.Errorf("%w: bad json", backup.ErrManifestInvalid), http.StatusUnprocessableEntity, "MANIFEST_INVALID"},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		_, ts := newTestServer(t, &fakeService{deleteErr: tc.err})
		code, env := do(t, ts, http.MethodDelete, "/backups/"+testManifest, true)
		if code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, code)
		}
		if tc.name != "" && env.Error.Code != tc.name {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.name, env.Error.Code)
		}
	}
}

func TestUnknownJob(t *testing.T) {
	_, ts := newTestServer(t, &fakeService{})
	code, env := do(t, ts, http.MethodGet, "/jobs/00000000-0000-0000-0000-000000000000", true)
	if code != http.StatusNotFound || env.Error.Code != "JOB_NOT_FOUND" {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestJobsShutdownCancelsRunningJobs(t *testing.T) {
	jobs := NewJobs()
	started := make(chan struct{})
	jobs.Start("create", "", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := jobs.Shutdown(ctx); err == nil {
		t.Fatalf("expected shutdown to report the deadline")
	}
}
