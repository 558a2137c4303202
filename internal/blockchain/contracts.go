package blockchain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

type Contract string

const (
	Raffle Contract = "raffle"
	Token  Contract = "token"
)

// Raffle contract surface.
const (
	FunctionEnterRaffle    = "enterRaffle"
	FunctionPerformUpkeep  = "performUpkeep"
	FunctionGetPlayers     = "getPlayers"
	FunctionGetRaffleState = "getRaffleState"
	FunctionGetEntranceFee = "getEntranceFee"

	EventRaffleEnter           = "RaffleEnter"
	EventRequestedRaffleWinner = "RequestedRaffleWinner"
	EventWinnerPicked          = "WinnerPicked"
)

// Token contract surface.
const (
	FunctionApprove   = "approve"
	FunctionBalanceOf = "balanceOf"
	FunctionAllowance = "allowance"

	EventTransfer = "Transfer"
)

// RaffleStateOpen is the getRaffleState value of a raffle accepting entries.
const RaffleStateOpen uint8 = 0

const raffleABIJSON = `[
	{"type":"function","name":"enterRaffle","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"performUpkeep","inputs":[{"name":"performData","type":"bytes"}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"getPlayers","inputs":[],"outputs":[{"name":"","type":"address[]"}],"stateMutability":"view"},
	{"type":"function","name":"getRaffleState","inputs":[],"outputs":[{"name":"","type":"uint8"}],"stateMutability":"view"},
	{"type":"function","name":"getEntranceFee","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"event","name":"RaffleEnter","inputs":[{"name":"player","type":"address","indexed":true}],"anonymous":false},
	{"type":"event","name":"RequestedRaffleWinner","inputs":[{"name":"requestId","type":"uint256","indexed":true}],"anonymous":false},
	{"type":"event","name":"WinnerPicked","inputs":[{"name":"winner","type":"address","indexed":true},{"name":"prizeAmount","type":"uint256","indexed":false}],"anonymous":false}
]`

const tokenABIJSON = `[
	{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
	{"type":"function","name":"balanceOf","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"allowance","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}],"anonymous":false}
]`

var (
	RaffleABI = mustParseABI(raffleABIJSON)
	TokenABI  = mustParseABI(tokenABIJSON)
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(err)
	}
	return parsed
}
