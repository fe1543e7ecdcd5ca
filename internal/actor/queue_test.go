package actor

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kuuji/relaygate/internal/relay"
)

func drain(q *commandQueue) []string {
	var out []string
	for {
		c, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, c.cmd.String())
	}
}

func TestCommandQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := newCommandQueue()
	q.push(queuedCommand{cmd: Start{}})
	q.push(queuedCommand{cmd: SwitchKey{}})

	if got := q.len(); got != 2 {
		t.Fatalf("len() = %d, want 2", got)
	}
	want := []string{Start{}.String(), SwitchKey{}.String()}
	if diff := cmp.Diff(want, drain(q)); diff != "" {
		t.Errorf("queue order mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandQueue_StopDiscardsPending(t *testing.T) {
	t.Parallel()

	q := newCommandQueue()
	q.push(queuedCommand{cmd: Start{}})
	q.push(queuedCommand{cmd: Reconnect{NextRelay: relay.Random()}})
	q.push(queuedCommand{cmd: Stop{}})

	if diff := cmp.Diff([]string{Stop{}.String()}, drain(q)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandQueue_ReconnectsCoalesce(t *testing.T) {
	t.Parallel()

	q := newCommandQueue()
	first := Reconnect{NextRelay: relay.Random(), Reason: ReasonUserInitiated}
	second := Reconnect{NextRelay: relay.Random(), Reason: ReasonConnectionLoss}
	q.push(queuedCommand{cmd: first})
	q.push(queuedCommand{cmd: second})

	if got := q.len(); got != 1 {
		t.Fatalf("len() = %d, want 1", got)
	}
	c, _ := q.pop()
	if c.cmd != Command(second) {
		t.Errorf("pop() = %v, want the newest reconnect %v", c.cmd, second)
	}
}

func TestCommandQueue_PreselectedReconnectIsNotReplaced(t *testing.T) {
	t.Parallel()

	chosen := relay.PreSelected(relay.Selected{Exit: testRelay("se-got-wg-002", 2)})
	other := relay.PreSelected(relay.Selected{Exit: testRelay("se-got-wg-003", 3)})

	tests := []struct {
		name string
		next Reconnect
		want []string
	}{
		{
			name: "random after preselected",
			next: Reconnect{NextRelay: relay.Random(), Reason: ReasonUserInitiated},
			want: []string{
				Reconnect{NextRelay: chosen}.String(),
				Reconnect{NextRelay: relay.Random(), Reason: ReasonUserInitiated}.String(),
			},
		},
		{
			name: "different preselected",
			next: Reconnect{NextRelay: other},
			want: []string{
				Reconnect{NextRelay: chosen}.String(),
				Reconnect{NextRelay: other}.String(),
			},
		},
		{
			name: "same preselected",
			next: Reconnect{NextRelay: chosen, Reason: ReasonConnectionLoss},
			want: []string{
				Reconnect{NextRelay: chosen, Reason: ReasonConnectionLoss}.String(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := newCommandQueue()
			q.push(queuedCommand{cmd: Reconnect{NextRelay: chosen}})
			q.push(queuedCommand{cmd: tt.next})
			if diff := cmp.Diff(tt.want, drain(q)); diff != "" {
				t.Errorf("queue mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommandQueue_ReconnectAfterOtherCommandIsKept(t *testing.T) {
	t.Parallel()

	q := newCommandQueue()
	q.push(queuedCommand{cmd: Reconnect{NextRelay: relay.Random()}})
	q.push(queuedCommand{cmd: SwitchKey{}})
	q.push(queuedCommand{cmd: Reconnect{NextRelay: relay.Random()}})

	if got := q.len(); got != 3 {
		t.Errorf("len() = %d, want 3", got)
	}
}

func TestCommandQueue_Signal(t *testing.T) {
	t.Parallel()

	q := newCommandQueue()
	q.push(queuedCommand{cmd: Start{}})
	q.push(queuedCommand{cmd: Stop{}})

	select {
	case <-q.signal:
	default:
		t.Fatal("push did not signal")
	}
	select {
	case <-q.signal:
		t.Fatal("signal is not coalesced")
	default:
	}
}

func TestCommandQueue_PopEmpty(t *testing.T) {
	t.Parallel()

	if _, ok := newCommandQueue().pop(); ok {
		t.Error("pop() on empty queue returned ok")
	}
}
