package chain

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	boterr "github.com/miintlabs/miintradar/internal/errors"
)

func signedTransaction(t *testing.T) *solana.Transaction {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := key.PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(1, owner, owner).Build(),
		},
		solana.Hash{},
		solana.TransactionPayer(owner),
	)
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	if _, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(owner) {
			return &key
		}
		return nil
	}); err != nil {
		t.Fatalf("sign transaction: %v", err)
	}
	return tx
}

func testSignature() solana.Signature {
	var sig solana.Signature
	sig[0] = 42
	return sig
}

func TestSubmitConfirms(t *testing.T) {
	sig := testSignature()
	client := newRPCServer(t, func(method string) string {
		switch method {
		case "sendTransaction":
			return `"result":"` + sig.String() + `"`
		case "getSignatureStatuses":
			return `"result":{"context":{"slot":100},"value":[{"slot":100,"confirmations":10,"err":null,"confirmationStatus":"confirmed"}]}`
		}
		t.Errorf("unexpected method %q", method)
		return ""
	})
	sub := NewSubmitter(client, rpc.CommitmentConfirmed, 0, time.Second, 10*time.Millisecond)

	result := sub.Submit(context.Background(), signedTransaction(t))
	if result.Err != nil {
		t.Fatalf("Submit failed: %v", result.Err)
	}
	if !result.Confirmed {
		t.Fatal("result not marked confirmed")
	}
	if result.Signature != sig {
		t.Fatalf("signature = %s, want %s", result.Signature, sig)
	}
}

func TestSubmitWaitsForTargetCommitment(t *testing.T) {
	sig := testSignature()
	var polls atomic.Int64
	client := newRPCServer(t, func(method string) string {
		switch method {
		case "sendTransaction":
			return `"result":"` + sig.String() + `"`
		case "getSignatureStatuses":
			if polls.Add(1) < 3 {
				return `"result":{"context":{"slot":100},"value":[{"slot":100,"confirmations":1,"err":null,"confirmationStatus":"processed"}]}`
			}
			return `"result":{"context":{"slot":100},"value":[{"slot":100,"confirmations":null,"err":null,"confirmationStatus":"finalized"}]}`
		}
		return ""
	})
	sub := NewSubmitter(client, rpc.CommitmentFinalized, 0, 2*time.Second, 5*time.Millisecond)

	result := sub.Submit(context.Background(), signedTransaction(t))
	if result.Err != nil {
		t.Fatalf("Submit failed: %v", result.Err)
	}
	if polls.Load() < 3 {
		t.Fatalf("confirmed after %d polls, processed must not satisfy finalized", polls.Load())
	}
}

func TestSubmitOnChainFailureCarriesSignature(t *testing.T) {
	sig := testSignature()
	client := newRPCServer(t, func(method string) string {
		switch method {
		case "sendTransaction":
			return `"result":"` + sig.String() + `"`
		case "getSignatureStatuses":
			return `"result":{"context":{"slot":100},"value":[{"slot":100,"confirmations":null,"err":{"InstructionError":[2,{"Custom":6001}]},"confirmationStatus":"confirmed"}]}`
		}
		return ""
	})
	sub := NewSubmitter(client, rpc.CommitmentConfirmed, 0, time.Second, 10*time.Millisecond)

	result := sub.Submit(context.Background(), signedTransaction(t))
	if !boterr.Is(result.Err, boterr.KindTxFailed) {
		t.Fatalf("expected TxFailed, got %v", result.Err)
	}
	if result.Signature != sig {
		t.Fatal("on-chain failure must keep the signature for the explorer link")
	}
}

func TestSubmitRejectionIsNotRetried(t *testing.T) {
	var sends atomic.Int64
	client := newRPCServer(t, func(method string) string {
		if method == "sendTransaction" {
			sends.Add(1)
			return `"error":{"code":-32002,"message":"Transaction simulation failed: Blockhash not found"}`
		}
		return ""
	})
	sub := NewSubmitter(client, rpc.CommitmentConfirmed, 3, time.Second, 10*time.Millisecond)

	result := sub.Submit(context.Background(), signedTransaction(t))
	if !boterr.Is(result.Err, boterr.KindTxFailed) {
		t.Fatalf("expected TxFailed, got %v", result.Err)
	}
	if sends.Load() != 1 {
		t.Fatalf("sendTransaction called %d times, rejection must not be resubmitted", sends.Load())
	}
}

func TestSubmitTransportFailureResubmits(t *testing.T) {
	var sends atomic.Int64
	client := newRPCServer(t, func(method string) string {
		if method == "sendTransaction" {
			sends.Add(1)
		}
		return ""
	})
	sub := NewSubmitter(client, rpc.CommitmentConfirmed, 2, time.Second, 10*time.Millisecond)

	result := sub.Submit(context.Background(), signedTransaction(t))
	if !boterr.Is(result.Err, boterr.KindTransport) {
		t.Fatalf("expected Transport, got %v", result.Err)
	}
	if sends.Load() != 3 {
		t.Fatalf("sendTransaction called %d times, want 3", sends.Load())
	}
}

func TestSubmitConfirmationTimeout(t *testing.T) {
	sig := testSignature()
	client := newRPCServer(t, func(method string) string {
		switch method {
		case "sendTransaction":
			return `"result":"` + sig.String() + `"`
		case "getSignatureStatuses":
			return `"result":{"context":{"slot":100},"value":[null]}`
		}
		return ""
	})
	sub := NewSubmitter(client, rpc.CommitmentConfirmed, 0, 100*time.Millisecond, 10*time.Millisecond)

	result := sub.Submit(context.Background(), signedTransaction(t))
	if !boterr.Is(result.Err, boterr.KindTimeout) {
		t.Fatalf("expected Timeout, got %v", result.Err)
	}
	if result.Signature != sig {
		t.Fatal("timeout must keep the signature so the trade can be checked later")
	}
}
