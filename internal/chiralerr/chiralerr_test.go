package chiralerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryableClassification(t *testing.T) {
	err := Timeout(errors.New("dial tcp: i/o timeout"))
	if !IsRetryable(err) {
		t.Error("Timeout should be retryable")
	}
	if IsPermanent(err) {
		t.Error("Timeout should not be permanent")
	}
}

func TestPermanentClassification(t *testing.T) {
	err := HashMismatch(errors.New("chunk 2 hash mismatch"))
	if IsRetryable(err) {
		t.Error("HashMismatch should not be retryable")
	}
	if !IsPermanent(err) {
		t.Error("HashMismatch should be permanent")
	}
}

func TestIsRetryable_UnwrapsThroughFmtErrorf(t *testing.T) {
	base := ConnectionReset(errors.New("reset by peer"))
	wrapped := fmt.Errorf("fetch chunk 4: %w", base)

	if !IsRetryable(wrapped) {
		t.Error("wrapped ConnectionReset should still report retryable")
	}
}

func TestIsRetryable_PlainErrorIsNeither(t *testing.T) {
	plain := errors.New("unrelated failure")
	if IsRetryable(plain) {
		t.Error("a plain error should not be retryable")
	}
	if IsPermanent(plain) {
		t.Error("a plain error should not be permanent")
	}
}

func TestDiskFullIsRetryablePermissionDeniedIsNot(t *testing.T) {
	if !IsRetryable(DiskFull(nil)) {
		t.Error("DiskFull should be retryable (resumable once space frees up)")
	}
	if !IsPermanent(PermissionDenied(nil)) {
		t.Error("PermissionDenied should be permanent (fatal)")
	}
}
