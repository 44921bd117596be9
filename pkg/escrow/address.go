package escrow

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DeriveAddress computes the deterministic handle for the (orderID, role)
// escrow of a given factory, following the CREATE2 construction:
//
//	address = keccak256(0xff ++ factoryID ++ salt)[12:]
//	salt    = keccak256(orderID ++ roleByte)
//
// Counterparties can compute an escrow's location before it exists.
func DeriveAddress(factoryID common.Address, orderID common.Hash, role Role) common.Address {
	salt := deriveSalt(orderID, role)

	data := make([]byte, 1+20+32)
	data[0] = 0xff
	copy(data[1:21], factoryID.Bytes())
	copy(data[21:53], salt[:])

	hash := crypto.Keccak256(data)
	return common.BytesToAddress(hash[12:])
}

func deriveSalt(orderID common.Hash, role Role) common.Hash {
	input := make([]byte, 33)
	copy(input[:32], orderID.Bytes())
	input[32] = byte(role)
	return crypto.Keccak256Hash(input)
}
