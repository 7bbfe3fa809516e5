package capability

// Defaults is the built-in catalog in the order it is offered to the model.
func Defaults() []Capability {
	return []Capability{
		{
			Name:        GetTokenPrice,
			Description: "Get the price of a token in USD",
			Parameters: map[string]Parameter{
				"token_symbol": {Type: "string", Description: "The token symbol (e.g., BTC, ETH, BNB)", Required: true},
			},
		},
		{
			Name:        GetGasPrice,
			Description: "Get the current gas price in Gwei",
			Parameters: map[string]Parameter{
				"chain": {Type: "string", Description: "The blockchain network (e.g., ethereum, binance, polygon)", Required: true},
			},
		},
		{
			Name:        SendToken,
			Description: "Send tokens to an address",
			Parameters: map[string]Parameter{
				"token_address": {Type: "string", Description: "The token contract address, use 'native' for ETH, BNB, etc.", Required: true},
				"to_address":    {Type: "string", Description: "The recipient address", Required: true},
				"amount":        {Type: "string", Description: "The amount to send in decimal units", Required: true},
			},
		},
		{
			Name:        SwapTokens,
			Description: "Swap tokens on a decentralized exchange",
			Parameters: map[string]Parameter{
				"token_in":  {Type: "string", Description: "The input token symbol or address", Required: true},
				"token_out": {Type: "string", Description: "The output token symbol or address", Required: true},
				"amount_in": {Type: "string", Description: "The amount of input token to swap", Required: true},
				"slippage":  {Type: "string", Description: "Maximum slippage percentage (e.g., 0.5)"},
			},
		},
		{
			Name:        AddLiquidity,
			Description: "Add liquidity to a DEX pool",
			Parameters: map[string]Parameter{
				"token_a":  {Type: "string", Description: "The first token symbol or address", Required: true},
				"token_b":  {Type: "string", Description: "The second token symbol or address", Required: true},
				"amount_a": {Type: "string", Description: "The amount of the first token", Required: true},
				"amount_b": {Type: "string", Description: "The amount of the second token", Required: true},
			},
		},
		{
			Name:        GetTokenBalance,
			Description: "Get token balance for an address",
			Parameters: map[string]Parameter{
				"token_address":  {Type: "string", Description: "The token contract address, use 'native' for ETH, BNB, etc.", Required: true},
				"wallet_address": {Type: "string", Description: "The wallet address to check", Required: true},
			},
		},
		{
			Name:        ExplainTransaction,
			Description: "Explain a blockchain transaction",
			Parameters: map[string]Parameter{
				"transaction_hash": {Type: "string", Description: "The transaction hash", Required: true},
				"chain_id":         {Type: "string", Description: "The chain ID (e.g., 1 for Ethereum, 56 for BSC)", Required: true},
			},
		},
		{
			Name:        EstimateGas,
			Description: "Estimate gas cost for a transaction",
			Parameters: map[string]Parameter{
				"from_address": {Type: "string", Description: "The sender address", Required: true},
				"to_address":   {Type: "string", Description: "The recipient or contract address", Required: true},
				"data":         {Type: "string", Description: "The hex encoded call data"},
				"value":        {Type: "string", Description: "The value to send in native units"},
			},
		},
	}
}
