// Copyright 2026 OpenBCH Developers
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package txbuilder

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// SigHashAllForkID is the sighash type every covenant signature uses:
// SIGHASH_ALL with the BCH fork id bit.
const SigHashAllForkID uint32 = 0x41

// SigHash computes the BIP143-style double-SHA256 digest signers commit
// to for input idx, using the previous output's full script (token prefix
// included) as the script code.
func SigHash(
	tx *wire.MsgTx,
	idx int,
	prevScript []byte,
	prevValue uint64,
) ([]byte, error) {
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf(
			"input index %d out of range (%d inputs)",
			idx,
			len(tx.TxIn),
		)
	}
	var preimage bytes.Buffer
	var scratch [8]byte

	binary.LittleEndian.PutUint32(scratch[:4], uint32(tx.Version))
	preimage.Write(scratch[:4])

	preimage.Write(hashPrevouts(tx))
	preimage.Write(hashSequences(tx))

	txIn := tx.TxIn[idx]
	writeOutPoint(&preimage, &txIn.PreviousOutPoint)
	if err := wire.WriteVarBytes(&preimage, 0, prevScript); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint64(scratch[:], prevValue)
	preimage.Write(scratch[:])
	binary.LittleEndian.PutUint32(scratch[:4], txIn.Sequence)
	preimage.Write(scratch[:4])

	preimage.Write(hashOutputs(tx))

	binary.LittleEndian.PutUint32(scratch[:4], tx.LockTime)
	preimage.Write(scratch[:4])
	binary.LittleEndian.PutUint32(scratch[:4], SigHashAllForkID)
	preimage.Write(scratch[:4])

	return chainhash.DoubleHashB(preimage.Bytes()), nil
}

func writeOutPoint(buf *bytes.Buffer, op *wire.OutPoint) {
	var scratch [4]byte
	buf.Write(op.Hash[:])
	binary.LittleEndian.PutUint32(scratch[:], op.Index)
	buf.Write(scratch[:])
}

func hashPrevouts(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	for _, txIn := range tx.TxIn {
		writeOutPoint(&buf, &txIn.PreviousOutPoint)
	}
	return chainhash.DoubleHashB(buf.Bytes())
}

func hashSequences(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	var scratch [4]byte
	for _, txIn := range tx.TxIn {
		binary.LittleEndian.PutUint32(scratch[:], txIn.Sequence)
		buf.Write(scratch[:])
	}
	return chainhash.DoubleHashB(buf.Bytes())
}

func hashOutputs(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	for _, txOut := range tx.TxOut {
		_ = wire.WriteTxOut(&buf, 0, 0, txOut)
	}
	return chainhash.DoubleHashB(buf.Bytes())
}
