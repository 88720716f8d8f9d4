package ordering

import (
	"context"
	"errors"
	"testing"

	"signflow/contract"
	"signflow/memstore"
	"signflow/signer"
)

func person(id string, order int, status signer.Status) signer.Signer {
	return signer.Signer{
		ID:                 id,
		ContractInstanceID: "contract-1",
		Order:              order,
		FullName:           "Signer " + id,
		Status:             status,
	}
}

func TestDecide(t *testing.T) {
	first := person("1", 1, signer.StatusSent)
	second := person("2", 2, signer.StatusAwaitingTurn)
	third := person("3", 3, signer.StatusAwaitingTurn)
	all := []signer.Signer{third, first, second}

	cases := []struct {
		name       string
		s          signer.Signer
		sequential bool
		all        []signer.Signer
		want       Decision
	}{
		{"already signed", person("x", 1, signer.StatusSigned), true, nil, Decision{Reason: ReasonAlreadySigned}},
		{"already declined", person("x", 1, signer.StatusDeclined), true, nil, Decision{Reason: ReasonAlreadyDeclined}},
		{"expired", person("x", 1, signer.StatusExpired), false, nil, Decision{Reason: ReasonAccessExpired}},
		{"parallel", third, false, all, Decision{Allowed: true, Reason: ReasonParallel}},
		{"first in line", first, true, all, Decision{Allowed: true, Reason: ReasonYourTurn}},
		{"waiting names first unsigned", third, true, all, Decision{Reason: ReasonWaiting, WaitingFor: "Signer 1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Decide(tc.s, tc.sequential, tc.all); got != tc.want {
				t.Fatalf("Decide = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecideAfterPredecessorsSigned(t *testing.T) {
	all := []signer.Signer{
		person("1", 1, signer.StatusSigned),
		person("2", 2, signer.StatusSigned),
		person("3", 3, signer.StatusSent),
	}
	got := Decide(all[2], true, all)
	if !got.Allowed || got.Reason != ReasonYourTurn {
		t.Fatalf("expected your turn, got %+v", got)
	}

	all[1].Status = signer.StatusDeclined
	got = Decide(all[2], true, all)
	if got.Allowed || got.WaitingFor != "Signer 2" {
		t.Fatalf("expected waiting on declined predecessor, got %+v", got)
	}
}

func TestDecisionErr(t *testing.T) {
	err := Decision{Reason: ReasonWaiting, WaitingFor: "Ana"}.Err("s3")
	var ooe *OutOfOrderError
	if !errors.As(err, &ooe) || ooe.WaitingFor != "Ana" || !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected OutOfOrderError waiting for Ana, got %v", err)
	}
	if err := (Decision{Allowed: true, Reason: ReasonYourTurn}).Err("s1"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := (Decision{Reason: ReasonAlreadySigned}).Err("s1"); err != nil {
		t.Fatalf("terminal decisions are not ordering errors, got %v", err)
	}
}

func TestPolicyCheckScenarioC(t *testing.T) {
	mem := memstore.New()
	mem.AddContract(contract.Instance{ID: "contract-1", RequiresSequentialSigning: true})
	mem.PutSigner(person("1", 1, signer.StatusSent))
	mem.PutSigner(person("2", 2, signer.StatusAwaitingTurn))
	mem.PutSigner(person("3", 3, signer.StatusAwaitingTurn))

	policy := NewPolicy(mem, mem.Signers(), mem.Contracts())
	got, err := policy.Check(context.Background(), "3")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	want := Decision{Allowed: false, Reason: "Waiting for previous signers", WaitingFor: "Signer 1"}
	if got != want {
		t.Fatalf("Check = %+v, want %+v", got, want)
	}
}

func TestPolicyCheckNotFound(t *testing.T) {
	mem := memstore.New()
	mem.PutSigner(person("orphan", 1, signer.StatusSent))
	policy := NewPolicy(mem, mem.Signers(), mem.Contracts())

	if _, err := policy.Check(context.Background(), "missing"); !errors.Is(err, signer.ErrSignerNotFound) {
		t.Fatalf("expected ErrSignerNotFound, got %v", err)
	}
	if _, err := policy.Check(context.Background(), "orphan"); !errors.Is(err, contract.ErrContractNotFound) {
		t.Fatalf("expected ErrContractNotFound, got %v", err)
	}
}
