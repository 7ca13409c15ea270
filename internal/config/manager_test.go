package config

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
)

func startManager(t *testing.T, dir string, setup func(*Manager)) *Manager {
	t.Helper()
	m, err := NewManager(zaptest.NewLogger(t), dir)
	require.NoError(t, err)
	m.settle = 0
	if setup != nil {
		setup(m)
	}
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestNewManagerNeedsDirectory(t *testing.T) {
	_, err := NewManager(nil, "", "")
	assert.Error(t, err)
}

func TestWatchPromptsInitialLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "prompts.yaml", "planner_system: \"Plan carefully.\"\n")
	store := prompts.NewStore(prompts.Defaults())

	m := startManager(t, dir, func(m *Manager) { WatchPrompts(m, path, store, zaptest.NewLogger(t)) })
	assert.Equal(t, "Plan carefully.", store.Current().PlannerSystem)
	assert.Equal(t, prompts.Defaults().PlannerUser, store.Current().PlannerUser)

	require.NoError(t, os.WriteFile(path, []byte("planner_system: \"Plan twice.\"\n"), 0o644))
	require.NoError(t, m.Reload(path))
	assert.Equal(t, "Plan twice.", store.Current().PlannerSystem)
}

func TestWatchPromptsRejectsInvalidTemplate(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "prompts.yaml", "planner_system: \"Plan carefully.\"\n")
	store := prompts.NewStore(prompts.Defaults())
	m := startManager(t, dir, func(m *Manager) { WatchPrompts(m, path, store, nil) })

	require.NoError(t, os.WriteFile(path, []byte("planner_user: \"Use {advice}\"\n"), 0o644))
	err := m.Reload(path)
	assert.ErrorIs(t, err, prompts.ErrMissingPlaceholder)
	assert.Equal(t, "Plan carefully.", store.Current().PlannerSystem)

	require.NoError(t, os.WriteFile(path, []byte("unknown_slot: x\n"), 0o644))
	assert.Error(t, m.Reload(path))
}

func TestWatcherPicksUpWrites(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "prompts.yaml", "")
	store := prompts.NewStore(prompts.Defaults())
	startManager(t, dir, func(m *Manager) { WatchPrompts(m, path, store, nil) })

	require.NoError(t, os.WriteFile(path, []byte("final_answer_system: \"Be brief.\"\n"), 0o644))
	require.Eventually(t, func() bool {
		return store.Current().FinalAnswerSystem == "Be brief."
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		return store.Current().FinalAnswerSystem == prompts.Defaults().FinalAnswerSystem
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUnchangedContentDoesNotNotify(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.yaml", "k: v\n")
	var calls atomic.Int32
	m := startManager(t, dir, func(m *Manager) {
		m.RegisterHandler("a.yaml", func(ChangeEvent) error { calls.Add(1); return nil })
	})
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, m.Reload(path))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPolicyFilesTriggerPolicyHandlers(t *testing.T) {
	dir := t.TempDir()
	var reloads atomic.Int32
	startManager(t, dir, func(m *Manager) {
		m.RegisterPolicyHandler(func() error { reloads.Add(1); return nil })
	})

	writeFile(t, dir, "extra.rego", "package ragagent.request\n")
	require.Eventually(t, func() bool { return reloads.Load() > 0 }, 5*time.Second, 20*time.Millisecond)
}
