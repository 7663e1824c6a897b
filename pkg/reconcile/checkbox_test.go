package reconcile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickTasksPreservesListFlavour(t *testing.T) {
	body := strings.Join([]string{
		"  - [ ] Nested task",
		"1. [ ] Numbered task",
		"* [ ] Starred task",
	}, "\n")

	got, ticked, missing := TickTasks(body, []string{"Nested task", "Numbered task", "Starred task"})

	assert.Empty(t, missing)
	assert.Len(t, ticked, 3)
	assert.Contains(t, got, "  - [x] Nested task")
	assert.Contains(t, got, "1. [x] Numbered task")
	assert.Contains(t, got, "* [x] Starred task")
}

func TestTickTasksFirstOccurrenceOnly(t *testing.T) {
	body := "- [ ] Repeated task\n- [ ] Repeated task\n"

	got, ticked, missing := TickTasks(body, []string{"Repeated task"})

	assert.Empty(t, missing)
	assert.Equal(t, []string{"Repeated task"}, ticked)
	assert.Equal(t, 1, strings.Count(got, "- [x] Repeated task"))
	assert.Equal(t, 1, strings.Count(got, "- [ ] Repeated task"))
}

func TestTickTasksQuotesRegexMetacharacters(t *testing.T) {
	body := "- [ ] Handle (edge) [cases] *stars*\n"

	got, ticked, missing := TickTasks(body, []string{"Handle (edge) [cases] *stars*"})

	assert.Empty(t, missing)
	assert.Len(t, ticked, 1)
	assert.Equal(t, "- [x] Handle (edge) [cases] *stars*\n", got)
}

func TestTickTasksRelaxesWhitespace(t *testing.T) {
	body := "- [ ] Fix  the   spacing\n"

	got, _, missing := TickTasks(body, []string{"Fix the spacing"})

	assert.Empty(t, missing)
	assert.Equal(t, "- [x] Fix  the   spacing\n", got, "original spacing survives the tick")
}

func TestTickTasksSkipsCheckedAndAbsentLines(t *testing.T) {
	body := "- [x] Already done\n- [ ] Something else\n"

	got, ticked, missing := TickTasks(body, []string{"Already done", "Never listed"})

	assert.Empty(t, ticked)
	assert.Equal(t, []string{"Already done", "Never listed"}, missing)
	assert.Equal(t, body, got)
}

func TestNormalizeTaskKey(t *testing.T) {
	assert.Equal(t, "implement retry budget", NormalizeTaskKey("  Implement   Retry  budget "))
	assert.Equal(t, NormalizeTaskKey("Add tests"), NormalizeTaskKey("add  TESTS"))
}
