package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestResolvePerSlot(t *testing.T) {
	o := &Overrides{}
	o.Set(SlotPlannerUser, "Q: {query}")
	empty := ""
	o.FinalAnswerUser = &empty

	got := Resolve(o, Defaults())
	assert.Equal(t, "Q: {query}", got.PlannerUser)
	assert.Equal(t, Defaults().FinalAnswerUser, got.FinalAnswerUser, "empty override falls back")
	assert.Equal(t, Defaults().PlannerSystem, got.PlannerSystem)

	assert.Equal(t, Defaults(), Resolve(nil, Defaults()))
}

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		tpl     string
		vals    Values
		want    string
		missing []string
	}{
		{name: "simple", tpl: "Q: {query}", vals: Values{Query: "hi"}, want: "Q: hi"},
		{name: "repeat", tpl: "{query}/{query}", vals: Values{Query: "a"}, want: "a/a"},
		{name: "empty value is supplied", tpl: "[{advice}]", vals: Values{Advice: ""}, want: "[]"},
		{name: "escaped braces", tpl: `{{"subtasks": []}} {query}`, vals: Values{Query: "x"}, want: `{"subtasks": []} x`},
		{name: "json literal untouched", tpl: `{"a": 1} {query}`, vals: Values{Query: "x"}, want: `{"a": 1} x`},
		{name: "missing", tpl: "{query} {advice} {plan}", vals: Values{Query: "x"}, missing: []string{"advice", "plan"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tpl, tt.vals)
			if tt.missing != nil {
				require.ErrorIs(t, err, ErrMissingPlaceholder)
				var pe *PlaceholderError
				require.True(t, errors.As(err, &pe))
				assert.Equal(t, tt.missing, pe.Names)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderSlotNamesSlot(t *testing.T) {
	s := Defaults().With(SlotReflectionUser, "{advice}")
	_, err := s.RenderSlot(SlotReflectionUser, Values{})
	var pe *PlaceholderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, SlotReflectionUser, pe.Slot)
	assert.Contains(t, err.Error(), "subtask_reflection_user")
}

func TestValidateRejectsUnsuppliedPlaceholder(t *testing.T) {
	// advice is only available to the retry prompt
	s := Defaults().With(SlotToolSelectionUser, "{subtask} {advice}")
	err := s.Validate()
	require.ErrorIs(t, err, ErrMissingPlaceholder)

	s = Defaults().With(SlotPlannerUser, "  ")
	require.Error(t, s.Validate())
}

func TestLoadFileAndStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")
	content := "planner_user: |\n  Input: {query}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	o, err := LoadFile(path)
	require.NoError(t, err)
	require.NotNil(t, o.PlannerUser)

	store := NewStore(Defaults())
	require.NoError(t, store.Apply(o))
	assert.True(t, strings.HasPrefix(store.Current().PlannerUser, "Input: {query}"))

	bad := &Overrides{}
	bad.Set(SlotPlannerUser, "{tool_result}")
	require.Error(t, store.Apply(bad))
	assert.True(t, strings.HasPrefix(store.Current().PlannerUser, "Input: {query}"), "invalid set is not installed")
}

func TestLoadRejectsUnknownSlot(t *testing.T) {
	_, err := Load(strings.NewReader("planner_usr: x\n"))
	require.Error(t, err)

	o, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Nil(t, o.PlannerUser)
}
