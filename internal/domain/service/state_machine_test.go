package service

import "testing"

func TestStateMachineTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []AgentState
		wantErr bool
	}{
		{"simple completion", []AgentState{StateStreaming, StateComplete}, false},
		{"tool loop", []AgentState{StateStreaming, StateToolExec, StateStreaming, StateComplete}, false},
		{"retry path", []AgentState{StateStreaming, StateRetrying, StateStreaming, StateError}, false},
		{"trim path", []AgentState{StateStreaming, StateTrimming, StateStreaming, StateComplete}, false},
		{"abort from tools", []AgentState{StateStreaming, StateToolExec, StateAborted}, false},
		{"idle to complete is invalid", []AgentState{StateComplete}, true},
		{"no exit from terminal", []AgentState{StateStreaming, StateComplete, StateStreaming}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine(500, testLogger(t))
			var err error
			for _, s := range tt.path {
				if err = sm.Transition(s); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestStateMachineSnapshot(t *testing.T) {
	sm := NewStateMachine(500, testLogger(t))
	sm.SetIteration(3)
	sm.AddTokens(120)
	sm.RecordToolExec("file_operations")
	sm.RecordRetry()
	sm.RecordError()
	sm.SetModel("gpt-test")

	snap := sm.Snapshot()
	if snap.Iteration != 3 || snap.TokensUsed != 120 || snap.ToolsExecuted != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.RetryCount != 1 || snap.ErrorCount != 1 {
		t.Errorf("counters = %+v", snap)
	}
	if snap.LastTool != "file_operations" || snap.ModelUsed != "gpt-test" {
		t.Errorf("labels = %+v", snap)
	}
}

func TestStateMachineListeners(t *testing.T) {
	sm := NewStateMachine(500, testLogger(t))

	var seen []AgentState
	sm.OnTransition(func(from, to AgentState, snap StateSnapshot) {
		seen = append(seen, to)
	})

	sm.Transition(StateStreaming)
	sm.Transition(StateComplete)

	if len(seen) != 2 || seen[0] != StateStreaming || seen[1] != StateComplete {
		t.Errorf("listener saw %v", seen)
	}
	if !sm.IsTerminal() {
		t.Error("complete must be terminal")
	}
}
