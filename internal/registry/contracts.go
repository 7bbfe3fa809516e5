package registry

// Uniswap V2-compatible routers used for swaps and liquidity.
var v2RouterByChainID = map[int64]string{
	1:        "0x7a250d5630B4cF539739dF2C5dB85B4c4dA2bEfE", // Uniswap V2
	56:       "0x10ED43C718714eb63d5aA57B78B54704E256024E", // PancakeSwap V2
	137:      "0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff", // QuickSwap
	8453:     "0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24", // Uniswap V2
	42161:    "0x1b02dA8Cb0d097eB8D57A175b88c7D8b47997506", // SushiSwap
	11155111: "0xeE567Fe1712Faf6149d80dA1E6934E354124CfE3", // Uniswap V2
}

func V2Router(chainID int64) (string, bool) {
	value, ok := v2RouterByChainID[chainID]
	return value, ok
}
