package chains

// ChainList contains the chain IDs the resolver can hold liquidity on
var ChainList = []int{
	1,     // Ethereum
	137,   // Polygon
	42161, // Arbitrum
	43114, // Avalanche
	56,    // Binance Smart Chain
	8453,  // Base
}

// chainNames maps chain IDs to their names
var chainNames = map[int]string{
	1:     "ETHEREUM",
	137:   "POLYGON",
	42161: "ARBITRUM",
	43114: "AVALANCHE",
	56:    "BSC",
	8453:  "BASE",
}

// DefaultConfirmations is the number of block confirmations the executor
// waits for before treating a deposit as final on each chain
var DefaultConfirmations = map[int]uint64{
	1:     3,
	137:   30,
	42161: 10,
	43114: 5,
	56:    15,
	8453:  10,
}

// GetChainName returns the name of the chain for a given chain ID
func GetChainName(chainID int) string {
	name, exists := chainNames[chainID]
	if !exists {
		return ""
	}
	return name
}

// IsSupported reports whether the chain ID is in the supported list
func IsSupported(chainID int) bool {
	_, exists := chainNames[chainID]
	return exists
}
