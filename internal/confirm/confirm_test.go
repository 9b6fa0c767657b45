package confirm

import (
	"errors"
	"testing"
	"time"

	"github.com/liqiongyu/agentpack/internal/usererror"
)

func TestRequireApproval(t *testing.T) {
	if err := RequireApproval(true); err != nil {
		t.Errorf("RequireApproval(true) = %v, want nil", err)
	}
	err := RequireApproval(false)
	if err == nil {
		t.Fatal("RequireApproval(false) = nil, want error")
	}
	var ue *usererror.UserError
	if !errors.As(err, &ue) || ue.Code != usererror.CodeConfirmRequired {
		t.Errorf("error = %v, want CodeConfirmRequired", err)
	}
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	tok, err := Issue("machine-secret", "deploy", "3 changes")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if err := Verify("machine-secret", tok, "deploy", "3 changes"); err != nil {
		t.Errorf("Verify failed for valid token: %v", err)
	}
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	err := Verify("secret", "", "deploy", "summary")
	var ue *usererror.UserError
	if !errors.As(err, &ue) || ue.Code != usererror.CodeConfirmTokenRequired {
		t.Errorf("error = %v, want CodeConfirmTokenRequired", err)
	}
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	err := Verify("secret", Token("not-base64!!!"), "deploy", "summary")
	var ue *usererror.UserError
	if !errors.As(err, &ue) || ue.Code != usererror.CodeConfirmTokenMismatch {
		t.Errorf("error = %v, want CodeConfirmTokenMismatch", err)
	}
}

func TestVerifyRejectsChangedSummary(t *testing.T) {
	tok, err := Issue("machine-secret", "deploy", "3 changes")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	err = Verify("machine-secret", tok, "deploy", "4 changes")
	var ue *usererror.UserError
	if !errors.As(err, &ue) || ue.Code != usererror.CodeConfirmTokenMismatch {
		t.Errorf("error = %v, want CodeConfirmTokenMismatch when plan summary changed", err)
	}
}

func TestVerifyRejectsWrongOp(t *testing.T) {
	tok, err := Issue("machine-secret", "deploy", "3 changes")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	err = Verify("machine-secret", tok, "rollback", "3 changes")
	var ue *usererror.UserError
	if !errors.As(err, &ue) || ue.Code != usererror.CodeConfirmTokenMismatch {
		t.Errorf("error = %v, want CodeConfirmTokenMismatch for mismatched op", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	tok, err := Issue("machine-secret", "deploy", "3 changes")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	err = Verify("different-secret", tok, "deploy", "3 changes")
	var ue *usererror.UserError
	if !errors.As(err, &ue) || ue.Code != usererror.CodeConfirmTokenMismatch {
		t.Errorf("error = %v, want CodeConfirmTokenMismatch for wrong secret", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	original := nowFunc
	defer func() { nowFunc = original }()

	issuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return issuedAt }
	tok, err := Issue("machine-secret", "deploy", "3 changes")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	nowFunc = func() time.Time { return issuedAt.Add(TTL + time.Minute) }
	err = Verify("machine-secret", tok, "deploy", "3 changes")
	var ue *usererror.UserError
	if !errors.As(err, &ue) || ue.Code != usererror.CodeConfirmTokenExpired {
		t.Errorf("error = %v, want CodeConfirmTokenExpired", err)
	}
}
