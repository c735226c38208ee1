package shell

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"droneops-gcs/internal/arbiter"
)

type fakeProgram struct{ msgs []tea.Msg }

func (f *fakeProgram) Send(msg tea.Msg) { f.msgs = append(f.msgs, msg) }

func runes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	mi, cmd := m.Update(msg)
	return mi.(model), cmd
}

func TestTUIAttachForwardsChanges(t *testing.T) {
	s, l, _ := newTestShell(t)
	p := &fakeProgram{}
	ui := NewTUI(s)
	ui.attach(p)
	l.emitStatus(drone("d1", 1, 1))
	if len(p.msgs) != 1 {
		t.Fatalf("msgs = %d", len(p.msgs))
	}
	if _, ok := p.msgs[0].(refreshMsg); !ok {
		t.Fatalf("expected refreshMsg, got %T", p.msgs[0])
	}
	ui.detach()
	s.Alert("warn", "x")
	if len(p.msgs) != 1 {
		t.Fatal("message sent after detach")
	}
}

func TestModelIgnoresCommandsOnGate(t *testing.T) {
	s, l, _ := newTestShell(t)
	l.emitStatus(drone("d1", 1, 1))
	m := newModel(context.Background(), s)
	for _, k := range []string{"a", "t", "s", "e"} {
		var cmd tea.Cmd
		m, cmd = update(t, m, runes(k))
		if cmd != nil {
			t.Fatalf("key %q produced a command on the gate", k)
		}
	}
	if len(s.Selected()) != 0 {
		t.Fatal("selection changed on the gate")
	}
	if !strings.Contains(m.View(), "r retry") {
		t.Fatalf("gate view = %q", m.View())
	}
}

func TestModelDashboardKeys(t *testing.T) {
	s, l, _ := startedShell(t)
	l.emitStatus(drone("d1", 1, 1), drone("d2", 2, 2))
	m := newModel(context.Background(), s)
	if m.state.View != ViewDashboard {
		t.Fatalf("view = %s", m.state.View)
	}

	m, _ = update(t, m, runes(" "))
	if got := s.Selected(); len(got) != 1 || got[0] != "d1" {
		t.Fatalf("space selected %v", got)
	}
	m, _ = update(t, m, runes("a"))
	m, _ = update(t, m, refreshMsg{})
	if len(m.state.Selected) != 2 {
		t.Fatalf("state selected = %v", m.state.Selected)
	}
	if !strings.Contains(m.View(), "2 selected") {
		t.Fatal("header does not show the selection")
	}

	m, cmd := update(t, m, runes("t"))
	if cmd == nil {
		t.Fatal("takeoff produced no command")
	}
	res, ok := cmd().(resultMsg)
	if !ok || !errors.Is(res.err, ErrSelectOne) {
		t.Fatalf("takeoff result = %#v", res)
	}
	m, _ = update(t, m, res)
	if m.status != ErrSelectOne.Error() {
		t.Fatalf("status = %q", m.status)
	}

	_, cmd = update(t, m, runes("c"))
	cmd()
	if l.cleared != 1 {
		t.Fatalf("trails cleared %d times", l.cleared)
	}
}

func TestModelQuit(t *testing.T) {
	s, _, _ := newTestShell(t)
	m := newModel(context.Background(), s)
	_, cmd := update(t, m, runes("q"))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q did not quit")
	}
}

func TestModelBlockedViewAndRetry(t *testing.T) {
	s, _, a := newTestShell(t)
	a.acquire = arbiter.Result{Code: arbiter.CodeLocked, OwnerID: "gcs-b"}
	_ = s.Start(context.Background())
	m := newModel(context.Background(), s)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	if !strings.Contains(m.View(), "gcs-b") {
		t.Fatalf("blocked view = %q", m.View())
	}

	a.acquire = arbiter.Success
	m, cmd := update(t, m, runes("r"))
	if cmd == nil {
		t.Fatal("retry produced no command")
	}
	m, _ = update(t, m, cmd())
	if m.state.View != ViewDashboard || m.status != "ok" {
		t.Fatalf("after retry view=%s status=%q", m.state.View, m.status)
	}
}
