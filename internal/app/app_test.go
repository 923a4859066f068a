package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/escalation"
	"phaseline/internal/gitops"
)

func TestOpenWiresDefaults(t *testing.T) {
	a, err := Open(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.NATS)
	assert.Nil(t, a.GitHub)
	assert.Len(t, a.Notify.Notifiers, 1)
	assert.Equal(t, 5, a.Store.MaxRetries)
	assert.Equal(t, 3, a.Orchestrator.MaxRetries)
	assert.Equal(t, 20*time.Second, a.Orchestrator.Grace)
	assert.Equal(t, 4*time.Hour, a.Escalations.Timeout)
	assert.Len(t, a.Escalations.Responses, 1)
	assert.True(t, a.Roles.HasRole("operator"))

	wd := a.Watchdog()
	assert.Equal(t, time.Minute, wd.Interval)
	assert.Equal(t, 5*time.Minute, wd.StaleAfter)
}

func TestOpenConnectsNATSAndWebhooks(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)

	dir := t.TempDir()
	yml := strings.Join([]string{
		"notify:",
		"  nats:",
		"    url: " + ns.ClientURL(),
		"  webhooks:",
		"    - url: http://127.0.0.1:1/hook",
		"      events: [escalation]",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(yml), 0o644))

	a, err := Open(context.Background(), dir, nil)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.NATS)
	assert.True(t, a.NATS.IsConnected())
	// log, webhook, nats
	assert.Len(t, a.Notify.Notifiers, 3)
}

func TestOpenFailsWithoutGitHubToken(t *testing.T) {
	t.Setenv("PL_TEST_MISSING_TOKEN", "")
	dir := t.TempDir()
	yml := "notify:\n  github:\n    repo: acme/widgets\n    token_env: PL_TEST_MISSING_TOKEN\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(yml), 0o644))

	_, err := Open(context.Background(), dir, nil)
	assert.ErrorContains(t, err, "github")
}

func TestOpenWithGitHubAddsResponseSource(t *testing.T) {
	t.Setenv("PL_TEST_TOKEN", "ghp_test")
	dir := t.TempDir()
	yml := "notify:\n  github:\n    repo: acme/widgets\n    token_env: PL_TEST_TOKEN\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(yml), 0o644))

	a, err := Open(context.Background(), dir, nil)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.GitHub)
	assert.Equal(t, "acme", a.GitHub.Owner)
	require.Len(t, a.Escalations.Responses, 2)
	_, ok := a.Escalations.Responses.(escalation.FirstResponse)[1].(escalation.GitHubResponses)
	assert.True(t, ok)
}

func TestServeStopsOnCancel(t *testing.T) {
	a, err := Open(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	defer a.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ready := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Serve(ctx, ServeOptions{Listener: ln, BasePath: "/v0", Ready: ready})
	}()

	addr := <-ready
	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + addr + "/v0/health")
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestPusherNeedsRepository(t *testing.T) {
	a, err := Open(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	defer a.Close()
	_, err = a.Pusher()
	assert.Error(t, err)
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_CONFIG_NOSYSTEM=1", "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
}

func gitCommit(t *testing.T, dir, content, msg string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte(content), 0o644))
	git(t, dir, "add", "README.md")
	git(t, dir, "commit", "-q", "-m", msg)
}

func gitClone(t *testing.T, root, remote, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	git(t, root, "clone", "-q", remote, dir)
	git(t, dir, "config", "user.email", name+"@example.com")
	git(t, dir, "config", "user.name", name)
	git(t, dir, "config", "commit.gpgsign", "false")
	return dir
}

func TestPublishEscalatesRebaseConflict(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	remote := filepath.Join(root, "remote.git")
	require.NoError(t, os.MkdirAll(remote, 0o755))
	git(t, remote, "init", "-q", "--bare")
	git(t, remote, "symbolic-ref", "HEAD", "refs/heads/main")

	seed := filepath.Join(root, "seed")
	require.NoError(t, os.MkdirAll(seed, 0o755))
	git(t, seed, "init", "-q")
	git(t, seed, "config", "user.email", "seed@example.com")
	git(t, seed, "config", "user.name", "seed")
	git(t, seed, "config", "commit.gpgsign", "false")
	git(t, seed, "checkout", "-q", "-b", "main")
	gitCommit(t, seed, "hello\n", "initial")
	git(t, seed, "remote", "add", "origin", remote)
	git(t, seed, "push", "-q", "origin", "main")

	agentDir := gitClone(t, root, remote, "agent")
	otherDir := gitClone(t, root, remote, "other")
	gitCommit(t, otherDir, "other agent\n", "other agent")
	git(t, otherDir, "push", "-q", "origin", "main")
	gitCommit(t, agentDir, "this agent\n", "this agent")

	workspace := filepath.Join(root, "ws")
	require.NoError(t, os.MkdirAll(workspace, 0o755))
	yml := "git:\n  dir: " + agentDir + "\n  branch: main\n"
	require.NoError(t, os.WriteFile(filepath.Join(workspace, config.FileName), []byte(yml), 0o644))
	a, err := Open(context.Background(), workspace, nil)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	created, err := domain.NewEvent("ISS-40", domain.KindWorkflowCreated, domain.WorkflowCreated{Phases: a.Catalog.Names(), Digest: a.Catalog.Digest()})
	require.NoError(t, err)
	_, err = a.Store.Append(ctx, created)
	require.NoError(t, err)

	_, err = a.Publish(ctx, "ISS-40", "key-40")
	var conflict *gitops.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"README.md"}, conflict.Paths)

	st, err := a.Orchestrator.State(ctx, "ISS-40")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, st.Status)
	require.NotNil(t, st.PendingEscalation)
	assert.Equal(t, domain.EscalationHuman, st.PendingEscalation.Type)
	assert.Contains(t, st.PendingEscalation.Question, "README.md")

	// unknown issues are reported, not escalated
	_, err = a.Publish(ctx, "ISS-404", "key-404")
	assert.ErrorIs(t, err, engine.ErrUnknownIssue)
	assert.ErrorAs(t, err, &conflict)
}
