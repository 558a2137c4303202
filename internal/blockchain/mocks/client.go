// Package mocks provides a testify mock of blockchain.Client.
package mocks

import (
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"

	"github.com/cemeheeb/custodial-raffle/internal/blockchain"
)

type Client struct {
	mock.Mock
	Addresses map[blockchain.Contract]common.Address
}

var _ blockchain.Client = (*Client)(nil)

func NewClient(raffle, token common.Address) *Client {
	return &Client{Addresses: map[blockchain.Contract]common.Address{
		blockchain.Raffle: raffle,
		blockchain.Token:  token,
	}}
}

func (m *Client) CallView(ctx context.Context, contract blockchain.Contract, function string, args ...interface{}) ([]interface{}, error) {
	called := m.Called(ctx, contract, function, args)
	if values := called.Get(0); values != nil {
		return values.([]interface{}), called.Error(1)
	}
	return nil, called.Error(1)
}

func (m *Client) CallViewAt(ctx context.Context, contract blockchain.Contract, function string, blockNumber uint64, args ...interface{}) ([]interface{}, error) {
	called := m.Called(ctx, contract, function, blockNumber, args)
	if values := called.Get(0); values != nil {
		return values.([]interface{}), called.Error(1)
	}
	return nil, called.Error(1)
}

func (m *Client) SendSigned(ctx context.Context, contract blockchain.Contract, function string, key *ecdsa.PrivateKey, args ...interface{}) (string, error) {
	called := m.Called(ctx, contract, function, key, args)
	return called.String(0), called.Error(1)
}

func (m *Client) GetLogs(ctx context.Context, contract blockchain.Contract, event string, fromBlock, toBlock uint64) ([]blockchain.LogEntry, error) {
	called := m.Called(ctx, contract, event, fromBlock, toBlock)
	if logs := called.Get(0); logs != nil {
		return logs.([]blockchain.LogEntry), called.Error(1)
	}
	return nil, called.Error(1)
}

func (m *Client) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*blockchain.Receipt, error) {
	called := m.Called(ctx, txHash, timeout)
	if receipt := called.Get(0); receipt != nil {
		return receipt.(*blockchain.Receipt), called.Error(1)
	}
	return nil, called.Error(1)
}

func (m *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	called := m.Called(ctx)
	return called.Get(0).(uint64), called.Error(1)
}

func (m *Client) AddressOf(contract blockchain.Contract) common.Address {
	return m.Addresses[contract]
}
