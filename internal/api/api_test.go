package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/kandev/taskorch/internal/db"
	"github.com/kandev/taskorch/internal/executor"
	"github.com/kandev/taskorch/internal/logstream"
	"github.com/kandev/taskorch/internal/merge"
	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/store"
	"github.com/kandev/taskorch/internal/worktree"
)

func writeFile(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("package main\n"), 0o644))
}

func setupTestRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	pool, err := db.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	s, err := store.New(pool)
	require.NoError(t, err)

	wm := worktree.NewManager(nil)
	deps := Deps{
		Store:          s,
		Executor:       executor.New(s, wm, nil),
		Merge:          merge.New(s, wm, nil),
		Worktree:       wm,
		Logs:           logstream.New(s, nil),
		PromptMaxChars: 20000,
	}

	router := gin.New()
	group := router.Group("/api")
	SetupRoutes(group, deps, nil)
	return router, s
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
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
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func seedWorkspace(t *testing.T, s *store.Store) *model.Workspace {
	t.Helper()
	ws := &model.Workspace{Name: "demo", Kind: model.WorkspaceLocal, Path: t.TempDir()}
	require.NoError(t, s.Workspaces.Create(context.Background(), ws))
	return ws
}

func TestCreateTask_HappyPath(t *testing.T) {
	router, s := setupTestRouter(t)
	ws := seedWorkspace(t, s)

	rec := doJSON(t, router, http.MethodPost, "/api/tasks", CreateTaskRequest{
		Title: "demo-1", Prompt: "do the thing", WorkspaceID: ws.ID, Backend: "claude_code",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var got TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "Todo", got.Status)
	require.Equal(t, []string{"do the thing"}, got.PromptHistory)
}

func TestCreateTask_UnknownWorkspaceIsNotFound(t *testing.T) {
	router, _ := setupTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/tasks", CreateTaskRequest{
		Title: "x", Prompt: "p", WorkspaceID: "missing", Backend: "claude_code",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTask_PromptTooLongIsRejected(t *testing.T) {
	router, s := setupTestRouter(t)
	ws := seedWorkspace(t, s)

	huge := make([]byte, 20001)
	for i := range huge {
		huge[i] = 'a'
	}
	rec := doJSON(t, router, http.MethodPost, "/api/tasks", CreateTaskRequest{
		Title: "x", Prompt: string(huge), WorkspaceID: ws.ID, Backend: "claude_code",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestNextTaskNumber_CountsExistingTasksAndProposesNext(t *testing.T) {
	router, s := setupTestRouter(t)
	ws := seedWorkspace(t, s)
	ctx := context.Background()

	require.NoError(t, s.Tasks.Create(ctx, &model.Task{Title: "anything", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}))
	require.NoError(t, s.Tasks.Create(ctx, &model.Task{Title: "something else entirely", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}))

	rec := doJSON(t, router, http.MethodGet, "/api/tasks/next-number?workspace_id="+ws.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got NextTaskNumberResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 3, got.Number)
	require.Equal(t, ws.Name+"-3", got.SuggestedTitle)
}

func TestDeleteTask_RefusedWhileRunning(t *testing.T) {
	router, s := setupTestRouter(t)
	ws := seedWorkspace(t, s)
	ctx := context.Background()

	task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))
	require.NoError(t, s.Tasks.SetStatus(ctx, task.ID, model.TaskRunning, nil))

	rec := doJSON(t, router, http.MethodDelete, "/api/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryTask_OnlyAllowedFromFailed(t *testing.T) {
	router, s := setupTestRouter(t)
	ws := seedWorkspace(t, s)
	ctx := context.Background()

	task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))

	rec := doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/retry", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, s.Tasks.SetStatus(ctx, task.ID, model.TaskFailed, nil))
	rec = doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	reloaded, err := s.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskTodo, reloaded.Status)
	require.Equal(t, []string{"p"}, reloaded.PromptHistory, "retry must not append to prompt_history")
}

func TestContinueTask_AppendsPromptHistoryAndRequeues(t *testing.T) {
	router, s := setupTestRouter(t)
	ws := seedWorkspace(t, s)
	ctx := context.Background()

	task := &model.Task{Title: "t", Prompt: "p1", PromptHistory: []string{"p1"}, WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))
	require.NoError(t, s.Tasks.SetStatus(ctx, task.ID, model.TaskFailed, nil))

	rec := doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/continue", ContinueTaskRequest{Prompt: "p2"})
	require.Equal(t, http.StatusOK, rec.Code)

	reloaded, err := s.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskTodo, reloaded.Status)
	require.Equal(t, []string{"p1", "p2"}, reloaded.PromptHistory)
	require.Equal(t, "p2", reloaded.Prompt)
}

func TestCancelTask_UnknownTaskIsBadRequest(t *testing.T) {
	router, _ := setupTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/tasks/does-not-exist/cancel", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettings_GetDefaultsAndPutClampsAndReapplies(t *testing.T) {
	router, s := setupTestRouter(t)
	ws := seedWorkspace(t, s)
	ctx := context.Background()

	runner := &model.Runner{Env: "default", MaxParallel: 3}
	require.NoError(t, s.Runners.Create(ctx, runner))

	rec := doJSON(t, router, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got SettingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, model.DefaultWorkspaceMaxParallel, got.WorkspaceMaxParallel)

	rec = doJSON(t, router, http.MethodPut, "/api/settings", PutSettingsRequest{WorkspaceMaxParallel: 999})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 20, got.WorkspaceMaxParallel, "must clamp to the [1,20] ceiling")

	reloadedWS, err := s.Workspaces.Get(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, 20, reloadedWS.ConcurrencyLimit)

	reloadedRunner, err := s.Runners.Get(ctx, runner.ID)
	require.NoError(t, err)
	require.Equal(t, 20, reloadedRunner.MaxParallel)
}

func TestWorkspaceFiles_FuzzySuggestions(t *testing.T) {
	router, s := setupTestRouter(t)
	ws := seedWorkspace(t, s)
	writeFile(t, ws.Path, "main.go")
	writeFile(t, ws.Path, "sub/other.go")

	rec := doJSON(t, router, http.MethodGet, "/api/workspaces/"+ws.ID+"/files?query=main", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got WorkspaceFilesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Contains(t, got.Paths, "main.go")
}

func TestWorkspaceHealth_LocalWorkspace(t *testing.T) {
	router, s := setupTestRouter(t)
	ws := seedWorkspace(t, s)

	rec := doJSON(t, router, http.MethodGet, "/api/workspaces/"+ws.ID+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got WorkspaceHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.True(t, got.Reachable)
	require.False(t, got.IsGit, "a plain temp dir with no .git is not a git repo")
}
