package playbook

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "playbooks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	require.NoError(t, err)
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, containmentFixture())
	require.NoError(t, err)
	require.Equal(t, "PB-critical-containment", p.ID)

	got, err := s.Get(ctx, p.ID, "1.2.0")
	require.NoError(t, err)
	require.Equal(t, p.Name, got.Name)
	require.Len(t, got.Steps, 5)
	require.Equal(t, "check_severity", got.EntryStep())

	latest, err := s.Get(ctx, p.ID, "")
	require.NoError(t, err)
	require.Equal(t, "1.2.0", latest.Version)
}

func TestCreateGeneratesID(t *testing.T) {
	s := newTestStore(t)

	fixture := containmentFixture()
	fixture.ID = ""
	p, err := s.Create(context.Background(), fixture)
	require.NoError(t, err)
	require.Regexp(t, `^PB-[0-9a-z]+-[0-9a-f]{6}$`, p.ID)
}

func TestCreateRejectsInvalid(t *testing.T) {
	s := newTestStore(t)

	bad := containmentFixture()
	bad.Version = "one point two"
	_, err := s.Create(context.Background(), bad)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.True(t, hasIssue(verr, CodeInvalidVersion))
}

func TestVersionsAreImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, containmentFixture())
	require.NoError(t, err)

	_, err = s.Create(ctx, containmentFixture())
	require.ErrorIs(t, err, ErrAlreadyExists)

	next := containmentFixture()
	next.Version = "1.3.0"
	_, err = s.Create(ctx, next)
	require.NoError(t, err)

	latest, err := s.Get(ctx, next.ID, "")
	require.NoError(t, err)
	require.Equal(t, "1.3.0", latest.Version)
}

func TestSetEnabledAcrossVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, containmentFixture())
	require.NoError(t, err)

	require.NoError(t, s.SetEnabled(ctx, p.ID, false))
	got, err := s.Get(ctx, p.ID, "1.2.0")
	require.NoError(t, err)
	require.False(t, got.Enabled)

	require.NoError(t, s.SetShadowMode(ctx, p.ID, true))
	got, err = s.Get(ctx, p.ID, "1.2.0")
	require.NoError(t, err)
	require.True(t, got.ShadowMode)

	require.ErrorIs(t, s.SetEnabled(ctx, "PB-unknown", true), ErrNotFound)
}

func TestFlagFlipKeepsLatestVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, containmentFixture())
	require.NoError(t, err)
	next := containmentFixture()
	next.Version = "1.3.0"
	_, err = s.Create(ctx, next)
	require.NoError(t, err)

	// The flip touches every version; the newest must stay current.
	require.NoError(t, s.SetEnabled(ctx, p.ID, false))
	latest, err := s.Get(ctx, p.ID, "")
	require.NoError(t, err)
	require.Equal(t, "1.3.0", latest.Version)
	require.False(t, latest.Enabled)
}

func TestListSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, containmentFixture())
	require.NoError(t, err)

	sums, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	require.Equal(t, 5, sums[0].StepCount)
	require.True(t, sums[0].Enabled)
}

func TestDeletePlaybook(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, containmentFixture())
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, p.ID))
	_, err = s.Get(ctx, p.ID, "")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, p.ID), ErrNotFound)
}

const phishingYAML = `
id: PB-phishing-triage
name: Phishing triage
version: 2.0.1
enabled: true
steps:
  - id: check_sender
    type: condition
    condition:
      field: trigger_data.sender_domain
      operator: not_in
      value: ["corp.example", "partner.example"]
    on_true: quarantine
    on_false: __END__
  - id: quarantine
    type: action
    connector_id: email
    action_type: quarantine_message
    input:
      message_id: "{{trigger_data.message_id}}"
    on_success:
      action: end
`

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "phishing.yaml"), []byte(phishingYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a playbook"), 0o600))

	s := newTestStore(t)
	ctx := context.Background()

	n, err := LoadDir(ctx, s, dir, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	p, err := s.Get(ctx, "PB-phishing-triage", "2.0.1")
	require.NoError(t, err)
	require.Equal(t, StepCondition, p.Steps[0].Type)
	require.Equal(t, "not_in", p.Steps[0].Condition.Operator)

	// Reloading the same directory is a no-op.
	n, err = LoadDir(ctx, s, dir, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestLoadDirMissingIsNoop(t *testing.T) {
	s := newTestStore(t)
	n, err := LoadDir(context.Background(), s, filepath.Join(t.TempDir(), "absent"), zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
