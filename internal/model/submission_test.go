package model

import (
	"testing"

	"github.com/nimbusworks/taskpipe/internal/consts"
)

func TestViewOfHidesResultUntilSuccess(t *testing.T) {
	s := &Submission{SubmitKey: "k", TaskName: "t", Status: consts.Running, RepoURL: "https://github.com/acme/x"}
	v := ViewOf(s)
	if v.Result != nil {
		t.Fatalf("result exposed while running")
	}
	if v.FailureReason != "" {
		t.Fatalf("failure reason exposed while running")
	}

	s.Status = consts.Succeeded
	s.CommitSHA = "abc"
	s.PagesURL = "https://acme.github.io/x/"
	v = ViewOf(s)
	if v.Result == nil || v.Result.RepoURL != s.RepoURL || v.Result.CommitSHA != "abc" {
		t.Fatalf("result=%+v", v.Result)
	}
}

func TestViewOfExposesFailureReasonOnlyWhenFailed(t *testing.T) {
	s := &Submission{SubmitKey: "k", Status: consts.Failed, FailureReason: "push_content failed (status 422)"}
	v := ViewOf(s)
	if v.FailureReason == "" {
		t.Fatalf("failure reason hidden on failed record")
	}
	if v.Result != nil {
		t.Fatalf("result exposed on failed record")
	}
}

func TestTerminalStatuses(t *testing.T) {
	cases := map[consts.SubmissionStatus]bool{
		consts.Accepted:  false,
		consts.Running:   false,
		consts.Succeeded: true,
		consts.Failed:    true,
	}
	for st, want := range cases {
		if got := st.Terminal(); got != want {
			t.Fatalf("%s.Terminal()=%v want %v", st, got, want)
		}
	}
}
