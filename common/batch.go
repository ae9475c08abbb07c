package common

import (
	"encoding/binary"
	"fmt"
)

const cycleNumBytesLen = 8

// CycleNum counts the successful sync cycles.  Each successful cycle is
// followed by a state checkpoint labelled with its CycleNum.
type CycleNum uint64

// Bytes returns a byte array of length 8 representing the CycleNum
func (cn CycleNum) Bytes() []byte {
	var cycleNumBytes [cycleNumBytesLen]byte
	binary.BigEndian.PutUint64(cycleNumBytes[:], uint64(cn))
	return cycleNumBytes[:]
}

// CycleNumFromBytes returns CycleNum from a []byte
func CycleNumFromBytes(b []byte) (CycleNum, error) {
	if len(b) != cycleNumBytesLen {
		return 0,
			Wrap(fmt.Errorf("can not parse CycleNumFromBytes, bytes len %d, expected %d",
				len(b), cycleNumBytesLen))
	}
	return CycleNum(binary.BigEndian.Uint64(b)), nil
}
