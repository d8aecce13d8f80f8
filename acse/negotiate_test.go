package acse

import (
	"testing"

	"github.com/caio-sobreiro/dicomnet/types"
)

func defaultPolicy() Policy {
	return Policy{
		CalledAETitle:      "SERVER",
		RequireCalledAET:   true,
		LocalMaxPDULength:  16384,
		AcceptorSCPDefault: true,
		SupportsAbstract: func(uid string) bool {
			return uid == types.VerificationSOPClass || types.IsStorageSOPClass(uid)
		},
		SupportsTransfer: func(uid string) bool {
			return uid == types.ImplicitVRLittleEndian || uid == types.ExplicitVRLittleEndian
		},
	}
}

func baseRequest() Request {
	return Request{
		ProtocolVersion: 0x0001,
		CalledAETitle:   "SERVER",
		CallingAETitle:  "CLIENT",
		PeerMaxPDULen:   32768,
		Contexts: []ProposedContext{
			{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian}},
		},
	}
}

func TestEvaluate_Accepts(t *testing.T) {
	result, err := Evaluate(baseRequest(), defaultPolicy(), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Accepted {
		t.Fatal("expected acceptance")
	}
	if len(result.Contexts) != 1 || result.Contexts[0].Result != ResultAcceptance {
		t.Fatalf("Contexts = %+v, want one acceptance", result.Contexts)
	}
	if result.Contexts[0].TransferSyntax != types.ExplicitVRLittleEndian {
		t.Errorf("TransferSyntax = %s, want first supported proposed (%s)", result.Contexts[0].TransferSyntax, types.ExplicitVRLittleEndian)
	}
	if result.MaxPDULength != 16384 {
		t.Errorf("MaxPDULength = %d, want 16384 (local is smaller)", result.MaxPDULength)
	}
}

func TestEvaluate_RejectsBadProtocolVersion(t *testing.T) {
	req := baseRequest()
	req.ProtocolVersion = 0x0000

	result, err := Evaluate(req, defaultPolicy(), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Accepted {
		t.Fatal("expected rejection for bad protocol version")
	}
	if result.RejectReason != 0x02 {
		t.Errorf("RejectReason = 0x%02x, want 0x02", result.RejectReason)
	}
}

func TestEvaluate_RejectsWrongCalledAET(t *testing.T) {
	req := baseRequest()
	req.CalledAETitle = "WRONG"

	result, err := Evaluate(req, defaultPolicy(), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Accepted || result.RejectReason != 0x07 {
		t.Fatalf("result = %+v, want rejection reason 0x07", result)
	}
}

func TestEvaluate_RejectsDisallowedCallingAET(t *testing.T) {
	policy := defaultPolicy()
	policy.AllowedCallingAETs = []string{"ONLYME"}

	result, err := Evaluate(baseRequest(), policy, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Accepted || result.RejectReason != 0x03 {
		t.Fatalf("result = %+v, want rejection reason 0x03", result)
	}
}

func TestEvaluate_UnsupportedAbstractSyntax(t *testing.T) {
	req := baseRequest()
	req.Contexts[0].AbstractSyntax = "1.2.3.4.5"

	result, err := Evaluate(req, defaultPolicy(), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Contexts[0].Result != ResultRejectAbstractSyntax {
		t.Errorf("Result = 0x%02x, want ResultRejectAbstractSyntax", result.Contexts[0].Result)
	}
}

func TestEvaluate_UnsupportedTransferSyntax(t *testing.T) {
	req := baseRequest()
	req.Contexts[0].TransferSyntaxes = []string{"1.2.3.4.5"}

	result, err := Evaluate(req, defaultPolicy(), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Contexts[0].Result != ResultRejectTransferSyntax {
		t.Errorf("Result = 0x%02x, want ResultRejectTransferSyntax", result.Contexts[0].Result)
	}
}

func TestEvaluate_RoleSelectionDefaultsRequestorSCU(t *testing.T) {
	result, err := Evaluate(baseRequest(), defaultPolicy(), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	c := result.Contexts[0]
	if !c.SCURole || !c.SCPRole {
		t.Errorf("roles = SCU:%v SCP:%v, want requestor SCU true and acceptor SCP true", c.SCURole, c.SCPRole)
	}
}

func TestEvaluate_RoleSelectionExplicit(t *testing.T) {
	req := baseRequest()
	req.Contexts[0].RoleSelectionSent = true
	req.Contexts[0].RequestorSCU = true
	req.Contexts[0].RequestorSCP = true

	result, err := Evaluate(req, defaultPolicy(), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	c := result.Contexts[0]
	if !c.SCURole {
		t.Error("expected requestor SCU AND acceptor SCU to resolve true")
	}
}

func TestEvaluate_HookMutatesContexts(t *testing.T) {
	hook := func(contexts []ResolvedContext) ([]ResolvedContext, error) {
		for i := range contexts {
			contexts[i].SCPRole = false
		}
		return contexts, nil
	}

	result, err := Evaluate(baseRequest(), defaultPolicy(), []Hook{hook})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Contexts[0].SCPRole {
		t.Error("hook should have cleared SCPRole")
	}
}

func TestEvaluate_HookErrorLeavesContextsUnchanged(t *testing.T) {
	failing := func(contexts []ResolvedContext) ([]ResolvedContext, error) {
		return nil, errBoom
	}

	result, err := Evaluate(baseRequest(), defaultPolicy(), []Hook{failing})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Contexts[0].Result != ResultAcceptance {
		t.Fatalf("Contexts = %+v, want unchanged acceptance", result.Contexts)
	}
}

func TestNegotiateMaxPDULength(t *testing.T) {
	cases := []struct {
		peer, local, want uint32
	}{
		{0, 16384, 16384},
		{16384, 0, 16384},
		{0, 0, 0},
		{8192, 16384, 8192},
		{16384, 8192, 8192},
	}
	for _, c := range cases {
		got := negotiateMaxPDULength(c.peer, c.local)
		if got != c.want {
			t.Errorf("negotiateMaxPDULength(%d, %d) = %d, want %d", c.peer, c.local, got, c.want)
		}
	}
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }
