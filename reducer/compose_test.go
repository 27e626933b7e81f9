package reducer

import (
	"errors"
	"testing"

	"github.com/tomyedwab/esdb/queue"
)

type fakeStore struct{ models map[string]any }

func (s fakeStore) Get(name string) any { return s.models[name] }

func TestComposeRunsAllAndCollectsErrors(t *testing.T) {
	order := []string{"a", "b", "c"}
	reducers := map[string]Func{
		"a": func(ctx Context) (queue.Change, bool, error) {
			return queue.Change{Ins: []map[string]any{{"id": 1}}}, true, nil
		},
		"b": func(ctx Context) (queue.Change, bool, error) {
			return queue.Change{}, false, nil
		},
		"c": func(ctx Context) (queue.Change, bool, error) {
			return queue.Change{}, false, errors.New("boom")
		},
	}
	store := fakeStore{models: map[string]any{}}
	result := Compose(order, reducers, map[string]any{}, store, queue.Event{V: 1}, nil)

	if _, ok := result["a"]; !ok {
		t.Errorf("expected change for model a")
	}
	if _, ok := result["b"]; ok {
		t.Errorf("expected no entry for unchanged model b")
	}
	c, ok := result["c"]
	if !ok || c.Error == nil || c.Error.Message != "boom" {
		t.Errorf("expected error entry for model c, got %+v", c)
	}
}
