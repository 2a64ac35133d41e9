package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestWrapfKeepsCause(t *testing.T) {
	err := Wrapf(io.ErrUnexpectedEOF, ArchiveInvalid, "read tar header")
	if err.Error() != "read tar header: unexpected EOF" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !stderrors.Is(err, io.ErrUnexpectedEOF) || GetCode(err) != ArchiveInvalid {
		t.Fatalf("cause or code lost: %v", err)
	}
}

func TestIsWalksNestedCodes(t *testing.T) {
	inner := New(ExecutionTimeout)
	outer := Wrapf(inner, WorkspaceFailed, "run step")
	if !Is(outer, WorkspaceFailed) || !Is(outer, ExecutionTimeout) || !IsTimeout(outer) {
		t.Fatalf("codes not found in chain")
	}
	if Is(outer, ConfigInvalid) || Is(stderrors.New("plain"), ConfigInvalid) {
		t.Fatalf("unexpected match")
	}
}

func TestWrapDoesNotMutateOriginal(t *testing.T) {
	orig := New(SourceReadFailed)
	re := Wrap(orig, SourceListFailed)
	if orig.Code != SourceReadFailed || re.Code != SourceListFailed {
		t.Fatalf("codes: orig=%d re=%d", orig.Code, re.Code)
	}
	if GetCode(fmt.Errorf("ctx: %w", re)) != SourceListFailed {
		t.Fatalf("outermost code not reported")
	}
}

func TestExitStatus(t *testing.T) {
	cases := map[ErrorCode]int{
		Success:          0,
		JobSpecInvalid:   2,
		ValidationFailed: 2,
		PathEscape:       2,
		ExecutionTimeout: 3,
		ExecutionFailed:  1,
	}
	for code, want := range cases {
		if got := code.ExitStatus(); got != want {
			t.Fatalf("%d: expected %d, got %d", code, want, got)
		}
	}
}

func TestFormatPlusVIncludesStack(t *testing.T) {
	err := ValidationError("tests[0].timeout", "must be positive")
	if err.Details["field"] != "tests[0].timeout" {
		t.Fatalf("missing field detail: %v", err.Details)
	}
	out := fmt.Sprintf("%+v", err)
	if !strings.HasPrefix(out, "[10300] tests[0].timeout: must be positive") || !strings.Contains(out, "error_test.go") {
		t.Fatalf("unexpected verbose format: %s", out)
	}
}
