package protocol

import "testing"

func TestParseRoundTrip(t *testing.T) {
	cases := []Envelope{
		{Type: TypeTaskAssignment, TaskID: "7", Subject: "Fix flaky test", AssignedBy: "lead"},
		{Type: TypeShutdownRequest, RequestID: "r1", From: "lead", Reason: "wrapping up"},
		{Type: TypeShutdownApproved, RequestID: "r1"},
		{Type: TypeShutdownRejected, RequestID: "r1", Reason: "mid-task"},
		{Type: TypePlanApproved, RequestID: "r2", From: "lead"},
		{Type: TypePlanRejected, RequestID: "r2", From: "lead", Feedback: "too broad"},
		{Type: TypePlanApprovalRequest, RequestID: "r3", From: "agent1", Plan: "1. read 2. fix", TaskID: "7"},
		{Type: TypeAbortRequest, RequestID: "r4", TaskID: "7", Reason: "superseded"},
		{Type: TypeSetSessionName, Name: "agent1-session"},
		{Type: TypeIdleNotification, From: "agent1", CompletedTaskID: "7", CompletedStatus: "completed"},
		{Type: TypePeerDMSent, From: "agent1", To: "agent2", Summary: "handed off the parser"},
	}
	for _, in := range cases {
		text := Encode(in)
		out := Parse(text)
		if out == nil {
			t.Fatalf("%s: parse returned nil for %q", in.Type, text)
		}
		if *out != in {
			t.Errorf("%s: round trip mismatch\n in: %+v\nout: %+v", in.Type, in, *out)
		}
	}
}

// Parsers are total: malformed input yields nil, never a panic.
func TestParseTotality(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"plain prose", "hello there"},
		{"empty", ""},
		{"broken json", `{"type":"task_assignment"`},
		{"unknown type", `{"type":"teleport","requestId":"r1"}`},
		{"json array", `[1,2,3]`},
		{"assignment without taskId", `{"type":"task_assignment","subject":"x"}`},
		{"shutdown without requestId", `{"type":"shutdown_request","from":"lead"}`},
		{"plan approval without plan", `{"type":"plan_approval_request","requestId":"r","from":"a"}`},
		{"plan verdict without from", `{"type":"plan_approved","requestId":"r"}`},
		{"idle without from", `{"type":"idle_notification","completedTaskId":"1"}`},
		{"peer dm without summary", `{"type":"peer_dm_sent","from":"a","to":"b"}`},
		{"set name without name", `{"type":"set_session_name"}`},
	}
	for _, c := range cases {
		if got := Parse(c.text); got != nil {
			t.Errorf("%s: expected nil, got %+v", c.name, got)
		}
	}
}

func TestParseIgnoresForeignFields(t *testing.T) {
	out := Parse(`{"type":"task_assignment","taskId":"3","color":"red","nested":{"x":1}}`)
	if out == nil || out.TaskID != "3" {
		t.Fatalf("foreign fields must not break parsing: %+v", out)
	}
}
