package l1utxo

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func testPubKeys(t *testing.T) (receiver, sender *btcec.PublicKey) {
	t.Helper()
	rPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("gen receiver key: %v", err)
	}
	sPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("gen sender key: %v", err)
	}
	return rPriv.PubKey(), sPriv.PubKey()
}

func TestBuildHTLCScriptRejectsBadSecretHashLength(t *testing.T) {
	receiver, sender := testPubKeys(t)
	_, err := BuildHTLCScript(make([]byte, 31), receiver.SerializeCompressed(), sender.SerializeCompressed(), 100)
	if err == nil {
		t.Fatal("expected error for a 31-byte secret hash")
	}
}

func TestBuildHTLCScriptRejectsZeroTimeout(t *testing.T) {
	receiver, sender := testPubKeys(t)
	hash := sha256.Sum256([]byte("preimage"))
	_, err := BuildHTLCScript(hash[:], receiver.SerializeCompressed(), sender.SerializeCompressed(), 0)
	if err == nil {
		t.Fatal("expected error for a zero timeout")
	}
}

func TestBuildHTLCScriptRejectsOversizedTimeout(t *testing.T) {
	receiver, sender := testPubKeys(t)
	hash := sha256.Sum256([]byte("preimage"))
	_, err := BuildHTLCScript(hash[:], receiver.SerializeCompressed(), sender.SerializeCompressed(), 0x10000)
	if err == nil {
		t.Fatal("expected error for a timeout above the CSV limit")
	}
}

func TestBuildScriptDataDerivesConsistentAddress(t *testing.T) {
	receiver, sender := testPubKeys(t)
	hash := sha256.Sum256([]byte("preimage"))

	sd, err := BuildScriptData(hash[:], receiver, sender, 144, ChainParams(true))
	if err != nil {
		t.Fatalf("build script data: %v", err)
	}
	if sd.Address == "" {
		t.Fatal("expected a non-empty P2WSH address")
	}

	wantScriptHash := sha256.Sum256(sd.Script)
	if sd.ScriptHash != wantScriptHash {
		t.Fatal("ScriptData.ScriptHash does not match sha256 of ScriptData.Script")
	}

	pkScript, err := P2WSHScriptPubKey(sd.Script)
	if err != nil {
		t.Fatalf("p2wsh scriptPubKey: %v", err)
	}
	if len(pkScript) != 34 || pkScript[0] != 0x00 || pkScript[1] != 0x20 {
		t.Fatalf("unexpected P2WSH scriptPubKey: %x", pkScript)
	}
}

func TestBuildScriptDataMainnetVsTestnetAddressesDiffer(t *testing.T) {
	receiver, sender := testPubKeys(t)
	hash := sha256.Sum256([]byte("preimage"))

	mainnet, err := BuildScriptData(hash[:], receiver, sender, 144, ChainParams(false))
	if err != nil {
		t.Fatalf("build mainnet script data: %v", err)
	}
	testnet, err := BuildScriptData(hash[:], receiver, sender, 144, ChainParams(true))
	if err != nil {
		t.Fatalf("build testnet script data: %v", err)
	}
	if mainnet.Address == testnet.Address {
		t.Fatal("expected distinct addresses for mainnet and testnet params")
	}
	if !bytes.Equal(mainnet.Script, testnet.Script) {
		t.Fatal("expected the underlying script to be identical across networks")
	}
}

func TestIsClaimWitnessRecognizesClaimBranch(t *testing.T) {
	script := []byte{0xde, 0xad, 0xbe, 0xef}
	preimage := []byte("the-preimage")
	witness := BuildClaimWitness([]byte("sig"), preimage, script)

	got, ok := IsClaimWitness(witness)
	if !ok {
		t.Fatal("expected IsClaimWitness to recognize a claim witness")
	}
	if !bytes.Equal(got, preimage) {
		t.Fatalf("got preimage %x, want %x", got, preimage)
	}
}

func TestIsClaimWitnessRejectsRefundBranch(t *testing.T) {
	script := []byte{0xde, 0xad, 0xbe, 0xef}
	witness := BuildRefundWitness([]byte("sig"), script)

	if _, ok := IsClaimWitness(witness); ok {
		t.Fatal("expected IsClaimWitness to reject a refund witness")
	}
}

func TestIsClaimWitnessRejectsWrongLength(t *testing.T) {
	if _, ok := IsClaimWitness([][]byte{{0x01}}); ok {
		t.Fatal("expected IsClaimWitness to reject a malformed witness stack")
	}
}
