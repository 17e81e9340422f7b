package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imedwei/db-backup-agent/internal/config"
	"github.com/imedwei/db-backup-agent/internal/health"
	"github.com/imedwei/db-backup-agent/internal/notify"
	"github.com/imedwei/db-backup-agent/internal/storage"
)

type storedObject struct {
	data     []byte
	modified time.Time
	metadata map[string]string
}

// fakeStore is an in-memory object store that records every call.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string]storedObject
	calls   []string
	errs    map[string]error // keyed by "op key"
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: make(map[string]storedObject),
		errs:    make(map[string]error),
	}
}

func (s *fakeStore) record(op, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := op + " " + key
	s.calls = append(s.calls, call)
	return s.errs[call]
}

func (s *fakeStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64, metadata map[string]string) error {
	if err := s.record("put", key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = storedObject{data: data, modified: time.Now(), metadata: metadata}
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	if err := s.record("delete", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeStore) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	if err := s.record("stat", key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified, Metadata: obj.metadata}, nil
}

func (s *fakeStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	if err := s.record("copy", srcKey+"->"+dstKey); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[srcKey]
	if !ok {
		return storage.ErrNotFound
	}
	obj.modified = time.Now()
	s.objects[dstKey] = obj
	return nil
}

func (s *fakeStore) mutatingCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if !strings.HasPrefix(c, "stat ") {
			out = append(out, c)
		}
	}
	return out
}

func (s *fakeStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.objects {
		out = append(out, k)
	}
	return out
}

// fakeProducer writes content to the destination, or fails after writing
// partial output.
type fakeProducer struct {
	content []byte
	err     error
	hook    func(ctx context.Context) error
	calls   int
}

func (p *fakeProducer) Name() string { return "fakedump" }

func (p *fakeProducer) Dump(ctx context.Context, connectionURI, destPath string) error {
	p.calls++
	if p.err != nil {
		_ = os.WriteFile(destPath, []byte("partial"), 0o600)
		return p.err
	}
	if p.hook != nil {
		if err := p.hook(ctx); err != nil {
			_ = os.WriteFile(destPath, []byte("partial"), 0o600)
			return err
		}
	}
	return os.WriteFile(destPath, p.content, 0o600)
}

type describingProducer struct {
	fakeProducer
	described bool
}

func (p *describingProducer) Describe(ctx context.Context) (*DatabaseInfo, error) {
	p.described = true
	return &DatabaseInfo{Name: "app", Size: 1 << 20, Version: "16.2"}, nil
}

// fakeNotifier records messages and whether their context was usable.
type fakeNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
	ctxErrs  []error
	err      error
}

func (n *fakeNotifier) Notify(ctx context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	n.ctxErrs = append(n.ctxErrs, ctx.Err())
	return n.err
}

func (n *fakeNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.messages {
		out = append(out, m.Template)
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DatabaseURI:            "mongodb://localhost:27017/app",
		DatabaseEngine:         config.EngineMongoDB,
		BackupRootDir:          t.TempDir(),
		BackupFileName:         "backup.archive",
		Compression:            config.CompressionNone,
		StorageProvider:        "s3",
		S3Bucket:               "backups",
		RespawnProtectionHours: 6,
		DumpTimeout:            time.Minute,
		UploadTimeout:          time.Minute,
		StoreTimeout:           time.Minute,
		NotifyTimeout:          time.Minute,
		MailProvider:           config.MailProviderLog,
		MailFrom:               "backup@example.com",
		MailTo:                 "ops@example.com",
	}
}

type harness struct {
	cfg      *config.Config
	store    *fakeStore
	producer *fakeProducer
	notifier *fakeNotifier
	orch     *Orchestrator
}

func newHarness(t *testing.T, content []byte) *harness {
	t.Helper()
	h := &harness{
		cfg:      testConfig(t),
		store:    newFakeStore(),
		producer: &fakeProducer{content: content},
		notifier: &fakeNotifier{},
	}
	h.orch = NewOrchestrator(h.cfg, h.store, h.producer, h.notifier, discardLogger())
	return h
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func assertCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("store calls:\n got: %q\nwant: %q", got, want)
	}
}

func TestOrchestrator_Run_Success(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 10*1024*1024)
	h := newHarness(t, content)
	h.store.objects["backup.archive"] = storedObject{data: []byte("previous"), modified: time.Now().Add(-48 * time.Hour)}

	run, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	staging := "backup.archive.staging"
	assertCalls(t, h.store.mutatingCalls(),
		"put "+staging,
		"delete backup.archive",
		"copy "+staging+"->backup.archive",
		"delete "+staging,
	)

	if keys := h.store.keys(); len(keys) != 1 || keys[0] != "backup.archive" {
		t.Errorf("store keys = %v, want only backup.archive", keys)
	}
	if got := h.store.objects["backup.archive"]; !bytes.Equal(got.data, content) {
		t.Errorf("stored snapshot has %d bytes, want %d", len(got.data), len(content))
	}
	if md := h.store.objects["backup.archive"].metadata; md["run-id"] != run.ID || md["backup-tool"] != "fakedump" {
		t.Errorf("metadata = %v", md)
	}

	if fileExists(run.LocalPath) {
		t.Error("local archive still present after success")
	}
	if got := h.notifier.templates(); len(got) != 1 || got[0] != notify.TemplateSuccess {
		t.Errorf("notifications = %v, want one success", got)
	}
	if run.Bytes != int64(len(content)) {
		t.Errorf("Bytes = %d, want %d", run.Bytes, len(content))
	}
	if run.Phase != PhaseDone || run.Outcome() != "success" || len(run.Warnings) != 0 {
		t.Errorf("run = phase %s outcome %s warnings %v", run.Phase, run.Outcome(), run.Warnings)
	}
	if run.StagingKey != staging {
		t.Errorf("StagingKey = %q", run.StagingKey)
	}
}

func TestOrchestrator_Run_DumpFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.producer.err = &DumpError{Tool: "mongodump", ExitCode: 1, Stderr: "connection refused"}

	run, err := h.orch.Run(context.Background())
	if err == nil {
		t.Fatal("Run() expected error")
	}

	var re *RunError
	if !errors.As(err, &re) || re.Kind != KindDump || re.Phase != PhaseDumping {
		t.Fatalf("Run() error = %v, want dump RunError", err)
	}
	var de *DumpError
	if !errors.As(err, &de) || de.ExitCode != 1 {
		t.Errorf("Run() error does not wrap DumpError: %v", err)
	}

	assertCalls(t, h.store.mutatingCalls())
	if fileExists(run.LocalPath) {
		t.Error("partial archive left behind after dump failure")
	}

	if len(h.notifier.messages) != 1 {
		t.Fatalf("notifications = %d, want 1", len(h.notifier.messages))
	}
	msg := h.notifier.messages[0]
	if msg.Template != notify.TemplateFailure || !strings.HasPrefix(msg.Body, "check your system") {
		t.Errorf("notification = %+v", msg)
	}
	if !strings.Contains(msg.Body, "dumping") || !strings.Contains(msg.Body, "connection refused") {
		t.Errorf("failure body missing phase or cause:\n%s", msg.Body)
	}
	if run.Outcome() != "dump_failed" {
		t.Errorf("Outcome() = %q", run.Outcome())
	}
}

func TestOrchestrator_Run_ReconcileDeleteFails(t *testing.T) {
	h := newHarness(t, []byte("new snapshot"))
	h.store.objects["backup.archive"] = storedObject{data: []byte("previous")}
	h.store.errs["delete backup.archive"] = errors.New("AccessDenied: not allowed to delete")

	run, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := string(h.store.objects["backup.archive"].data); got != "new snapshot" {
		t.Errorf("snapshot = %q, want new snapshot", got)
	}
	if len(run.Warnings) != 1 || !strings.Contains(run.Warnings[0], "AccessDenied") {
		t.Errorf("Warnings = %v", run.Warnings)
	}
	if fileExists(run.LocalPath) {
		t.Error("local archive still present after success")
	}

	if len(h.notifier.messages) != 1 || h.notifier.messages[0].Template != notify.TemplateSuccess {
		t.Fatalf("notifications = %v, want one success", h.notifier.templates())
	}
	if !strings.Contains(h.notifier.messages[0].Body, "AccessDenied") {
		t.Errorf("success body should list the warning:\n%s", h.notifier.messages[0].Body)
	}
}

func TestOrchestrator_Run_UploadFailure(t *testing.T) {
	h := newHarness(t, []byte("new snapshot"))
	h.store.objects["backup.archive"] = storedObject{data: []byte("previous")}

	failing := &failingPutStore{fakeStore: h.store, err: errors.New("RequestTimeout: i/o timeout")}
	h.orch = NewOrchestrator(h.cfg, failing, h.producer, h.notifier, discardLogger())

	run, err := h.orch.Run(context.Background())

	var re *RunError
	if !errors.As(err, &re) || re.Kind != KindStore || re.Phase != PhaseUploading {
		t.Fatalf("Run() error = %v, want store RunError while uploading", err)
	}
	if !fileExists(run.LocalPath) {
		t.Error("local archive removed after upload failure")
	}
	if got := string(h.store.objects["backup.archive"].data); got != "previous" {
		t.Errorf("previous snapshot = %q, want untouched", got)
	}
	for _, c := range h.store.mutatingCalls() {
		if !strings.HasPrefix(c, "put ") {
			t.Errorf("unexpected store call after failed upload: %s", c)
		}
	}
	if got := h.notifier.templates(); len(got) != 1 || got[0] != notify.TemplateFailure {
		t.Errorf("notifications = %v, want one failure", got)
	}
	if run.Outcome() != "upload_failed" {
		t.Errorf("Outcome() = %q", run.Outcome())
	}
}

type failingPutStore struct {
	*fakeStore
	err error
}

func (s *failingPutStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64, metadata map[string]string) error {
	s.record("put", key)
	return s.err
}

type failingCopyStore struct {
	*fakeStore
	err error
}

func (s *failingCopyStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	s.record("copy", srcKey+"->"+dstKey)
	return s.err
}

func TestOrchestrator_Run_PromoteFailure(t *testing.T) {
	h := newHarness(t, []byte("new snapshot"))
	store := &failingCopyStore{fakeStore: h.store, err: errors.New("InternalError")}
	h.orch = NewOrchestrator(h.cfg, store, h.producer, h.notifier, discardLogger())

	run, err := h.orch.Run(context.Background())

	var re *RunError
	if !errors.As(err, &re) || re.Phase != PhasePromoting {
		t.Fatalf("Run() error = %v, want failure while promoting", err)
	}
	if !fileExists(run.LocalPath) {
		t.Error("local archive removed after promote failure")
	}
	if got := string(h.store.objects[run.StagingKey].data); got != "new snapshot" {
		t.Errorf("staging object = %q, want it left in place", got)
	}
	if got := h.notifier.templates(); len(got) != 1 || got[0] != notify.TemplateFailure {
		t.Errorf("notifications = %v, want one failure", got)
	}
	if run.Outcome() != "promote_failed" {
		t.Errorf("Outcome() = %q", run.Outcome())
	}
}

func TestOrchestrator_Run_PromoteFailureThenSuccess(t *testing.T) {
	h := newHarness(t, []byte("first"))
	failing := &failingCopyStore{fakeStore: h.store, err: errors.New("InternalError")}
	h.orch = NewOrchestrator(h.cfg, failing, h.producer, h.notifier, discardLogger())

	if _, err := h.orch.Run(context.Background()); err == nil {
		t.Fatal("first Run() expected promote failure")
	}

	h.producer.content = []byte("second")
	h.orch = NewOrchestrator(h.cfg, h.store, h.producer, h.notifier, discardLogger())
	if _, err := h.orch.Run(context.Background()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if keys := h.store.keys(); len(keys) != 1 || keys[0] != "backup.archive" {
		t.Errorf("store keys = %v, want only backup.archive", keys)
	}
	if got := string(h.store.objects["backup.archive"].data); got != "second" {
		t.Errorf("snapshot = %q, want second", got)
	}
}

func TestOrchestrator_Run_FirstRunSkipsReconcile(t *testing.T) {
	h := newHarness(t, []byte("snap"))

	run, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	assertCalls(t, h.store.mutatingCalls(),
		"put "+run.StagingKey,
		"copy "+run.StagingKey+"->backup.archive",
		"delete "+run.StagingKey,
	)
	if len(run.Warnings) != 0 {
		t.Errorf("Warnings = %v", run.Warnings)
	}
}

// dirSwapStore replaces the local archive with a non-empty directory once
// the upload has read it, so removing the archive fails.
type dirSwapStore struct {
	*fakeStore
	localPath string
}

func (s *dirSwapStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64, metadata map[string]string) error {
	if err := s.fakeStore.Put(ctx, key, body, size, metadata); err != nil {
		return err
	}
	if err := os.Remove(s.localPath); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.localPath, "child"), 0o755)
}

func TestOrchestrator_Run_CleanupFailureIsWarning(t *testing.T) {
	h := newHarness(t, []byte("snap"))
	store := &dirSwapStore{fakeStore: h.store, localPath: h.cfg.LocalArchivePath()}
	h.orch = NewOrchestrator(h.cfg, store, h.producer, h.notifier, discardLogger())

	run, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if run.Outcome() != "success" {
		t.Errorf("Outcome() = %q, want success", run.Outcome())
	}
	if len(run.Warnings) != 1 || !strings.Contains(run.Warnings[0], "local archive") {
		t.Errorf("Warnings = %v", run.Warnings)
	}
	if got := h.notifier.templates(); len(got) != 1 || got[0] != notify.TemplateSuccess {
		t.Errorf("notifications = %v, want one success", got)
	}
	if got := string(h.store.objects["backup.archive"].data); got != "snap" {
		t.Errorf("snapshot = %q, want snap", got)
	}
}

func TestOrchestrator_Run_StagingDeleteFailureIsWarning(t *testing.T) {
	h := newHarness(t, []byte("snap"))
	store := &failingStagingDeleteStore{fakeStore: h.store}
	h.orch = NewOrchestrator(h.cfg, store, h.producer, h.notifier, discardLogger())

	run, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(run.Warnings) != 1 || !strings.Contains(run.Warnings[0], "staging") {
		t.Errorf("Warnings = %v", run.Warnings)
	}
}

type failingStagingDeleteStore struct {
	*fakeStore
}

func (s *failingStagingDeleteStore) Delete(ctx context.Context, key string) error {
	if strings.HasSuffix(key, ".staging") {
		s.record("delete", key)
		return errors.New("SlowDown")
	}
	return s.fakeStore.Delete(ctx, key)
}

func TestOrchestrator_Run_Idempotent(t *testing.T) {
	h := newHarness(t, []byte("first"))

	if _, err := h.orch.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	h.producer.content = []byte("second")
	if _, err := h.orch.Run(context.Background()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if keys := h.store.keys(); len(keys) != 1 || keys[0] != "backup.archive" {
		t.Errorf("store keys = %v, want only backup.archive", keys)
	}
	if got := string(h.store.objects["backup.archive"].data); got != "second" {
		t.Errorf("snapshot = %q, want second", got)
	}
	if got := h.notifier.templates(); len(got) != 2 {
		t.Errorf("notifications = %v, want two", got)
	}
}

func TestOrchestrator_Run_Overlap(t *testing.T) {
	h := newHarness(t, []byte("snap"))

	started := make(chan struct{})
	release := make(chan struct{})
	h.producer.hook = func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background())
		done <- err
	}()

	<-started
	run, err := h.orch.Run(context.Background())
	if !errors.Is(err, ErrRunInProgress) || run != nil {
		t.Errorf("concurrent Run() = %v, %v; want nil, ErrRunInProgress", run, err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if h.producer.calls != 1 {
		t.Errorf("producer calls = %d, want 1", h.producer.calls)
	}
}

func TestOrchestrator_Run_Interrupted(t *testing.T) {
	h := newHarness(t, []byte("snap"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.producer.hook = func(dumpCtx context.Context) error {
		cancel()
		<-dumpCtx.Done()
		return fmt.Errorf("mongodump killed: %w", dumpCtx.Err())
	}

	run, err := h.orch.Run(ctx)

	var re *RunError
	if !errors.As(err, &re) || re.Kind != KindInterrupted {
		t.Fatalf("Run() error = %v, want interrupted", err)
	}
	if run.Outcome() != "interrupted" {
		t.Errorf("Outcome() = %q", run.Outcome())
	}
	if !fileExists(run.LocalPath) {
		t.Error("local archive removed on shutdown")
	}
	assertCalls(t, h.store.mutatingCalls())

	if got := h.notifier.templates(); len(got) != 1 || got[0] != notify.TemplateFailure {
		t.Fatalf("notifications = %v, want one failure", got)
	}
	if h.notifier.ctxErrs[0] != nil {
		t.Errorf("notification context already done: %v", h.notifier.ctxErrs[0])
	}
}

func TestOrchestrator_Run_NotifyFailureKeepsOutcome(t *testing.T) {
	h := newHarness(t, []byte("snap"))
	h.notifier.err = errors.New("421 try again later")

	run, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var re *RunError
	if !errors.As(run.NotifyErr, &re) || re.Kind != KindNotify {
		t.Errorf("NotifyErr = %v, want notify RunError", run.NotifyErr)
	}
	if !run.Succeeded() {
		t.Error("notification failure changed the run outcome")
	}
}

func TestOrchestrator_Run_Describe(t *testing.T) {
	cfg := testConfig(t)
	producer := &describingProducer{fakeProducer: fakeProducer{content: []byte("snap")}}
	orch := NewOrchestrator(cfg, newFakeStore(), producer, &fakeNotifier{}, discardLogger())

	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !producer.described {
		t.Error("Describe() was not called")
	}
}

func TestOrchestrator_Run_CreatesRootDir(t *testing.T) {
	h := newHarness(t, []byte("snap"))
	h.cfg.BackupRootDir = h.cfg.BackupRootDir + "/nested/dir"

	if _, err := h.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := os.Stat(h.cfg.BackupRootDir); err != nil {
		t.Errorf("backup root not created: %v", err)
	}
}

func TestOrchestrator_ShouldRun(t *testing.T) {
	tests := []struct {
		name     string
		existing *time.Time
		statErr  error
		force    bool
		want     bool
	}{
		{name: "no snapshot", want: true},
		{name: "recent snapshot", existing: ptr(time.Now().Add(-time.Hour)), want: false},
		{name: "old snapshot", existing: ptr(time.Now().Add(-7 * time.Hour)), want: true},
		{name: "forced", existing: ptr(time.Now().Add(-time.Hour)), force: true, want: true},
		{name: "stat error", statErr: errors.New("AccessDenied"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			store := newFakeStore()
			if tt.existing != nil {
				store.objects["backup.archive"] = storedObject{data: []byte("x"), modified: *tt.existing}
			}
			if tt.statErr != nil {
				store.errs["stat backup.archive"] = tt.statErr
			}

			orch := NewOrchestrator(cfg, store, &fakeProducer{}, &fakeNotifier{}, discardLogger(), WithForce(tt.force))
			got := orch.ShouldRun(context.Background())
			if got.Allowed != tt.want {
				t.Errorf("ShouldRun() = %+v, want allowed %v", got, tt.want)
			}
		})
	}
}

func TestOrchestrator_HealthCheck(t *testing.T) {
	h := newHarness(t, []byte("snap"))

	if got := h.orch.HealthCheck(context.Background()); got.Status != health.StatusHealthy {
		t.Errorf("before any run: %+v", got)
	}
	if h.orch.LastRun() != nil {
		t.Error("LastRun() should be nil before any run")
	}

	h.producer.err = errors.New("exit status 1")
	h.orch.Run(context.Background())

	got := h.orch.HealthCheck(context.Background())
	if got.Status != health.StatusUnhealthy {
		t.Errorf("after failed run: %+v", got)
	}
	if got.Details["last_run_outcome"] != "dump_failed" {
		t.Errorf("last_run_outcome = %v", got.Details["last_run_outcome"])
	}

	h.producer.err = nil
	h.producer.content = []byte("snap")
	h.orch.Run(context.Background())

	if got := h.orch.HealthCheck(context.Background()); got.Status != health.StatusHealthy {
		t.Errorf("after successful run: %+v", got)
	}
}

func ptr[T any](v T) *T {
	return &v
}
