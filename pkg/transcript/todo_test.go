package transcript

import "testing"

func TestTodosFromInput(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []Todo
	}{
		{
			name: "nil input",
			in:   nil,
			want: nil,
		},
		{
			name: "non-list input",
			in:   "todos",
			want: nil,
		},
		{
			name: "items with defaults",
			in: []any{
				map[string]any{"content": "write tests"},
				map[string]any{"content": "ship it", "status": "completed"},
			},
			want: []Todo{
				{Content: "write tests", Status: "pending"},
				{Content: "ship it", Status: "completed"},
			},
		},
		{
			name: "non-object item",
			in:   []any{"oops"},
			want: []Todo{{Status: "pending"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TodosFromInput(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("TodosFromInput() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("todo[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTodoHash(t *testing.T) {
	todos := []Todo{
		{Content: "b", Status: "pending"},
		{Content: "a", Status: "completed"},
	}

	// Contents are sorted before hashing, so order must not matter.
	got := TodoHash("s", todos)
	want := "0f7d2ffcc9f9d22f0649019f1e578b2f" // md5("s|a|b")
	if got != want {
		t.Errorf("TodoHash() = %q, want %q", got, want)
	}

	reordered := []Todo{todos[1], todos[0]}
	if TodoHash("s", reordered) != got {
		t.Error("TodoHash() should be independent of todo order")
	}

	// Statuses must not affect identity.
	done := []Todo{
		{Content: "b", Status: "completed"},
		{Content: "a", Status: "completed"},
	}
	if TodoHash("s", done) != got {
		t.Error("TodoHash() should be independent of statuses")
	}

	if TodoHash("other", todos) == got {
		t.Error("TodoHash() should depend on the session id")
	}

	if TodoHash("s", nil) != "cf0c8b098aae1e979bd4eff0a9b2451d" { // md5("s|")
		t.Error("TodoHash() of an empty list should hash the bare separator")
	}
}

func TestStateKey(t *testing.T) {
	todos := []Todo{
		{Content: "a", Status: "pending"},
		{Content: "b", Status: "completed"},
	}

	got := StateKey(todos)
	want := "7e5f7ac2f8564cec561d21dbb0e32cb2" // md5("pending|completed")
	if got != want {
		t.Errorf("StateKey() = %q, want %q", got, want)
	}

	// Unlike identity, the state key is order sensitive and status driven.
	progressed := []Todo{
		{Content: "a", Status: "completed"},
		{Content: "b", Status: "completed"},
	}
	if StateKey(progressed) == got {
		t.Error("StateKey() should change when a status changes")
	}
	if StateKey(progressed) != "b4feccc190aa9808c7fd1c188622b34c" { // md5("completed|completed")
		t.Error("StateKey() mismatch for progressed todos")
	}
}
