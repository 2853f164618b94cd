// Package dtoken handles D-Token ticker formatting and parsing. A D-Token
// is the share token of one side of one collateral pool of an agreement.
package dtoken

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/dsla/sla-engine/internal/fault"
	"github.com/dsla/sla-engine/internal/model"
)

// tickerRegex matches: {token}-{OK|KO}-{agreementID}
// Example: DSLA-KO-12
var tickerRegex = regexp.MustCompile(`^([A-Za-z0-9_.]+)-(OK|KO)-(\d+)$`)

var ErrInvalidTicker = fault.New(fault.Validation, "dtoken: invalid ticker format")

// Ticker is a parsed D-Token ticker.
type Ticker struct {
	Symbol      string     `json:"symbol"`
	Token       string     `json:"token"`
	Side        model.Side `json:"side"`
	AgreementID uint64     `json:"agreement_id"`
}

// Format returns the ticker of the side D-Token of token in agreementID.
func Format(token string, side model.Side, agreementID uint64) string {
	return fmt.Sprintf("%s-%s-%d", token, side, agreementID)
}

// Address returns the holder address of a D-Token contract.
func Address(token string, side model.Side, agreementID uint64) model.Address {
	return model.Address(fmt.Sprintf("dtoken:%d:%s:%s", agreementID, token, side))
}

// Parse parses and validates a D-Token ticker.
// Format: {token}-{OK|KO}-{agreementID}
func Parse(ticker string) (*Ticker, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {token}-{OK|KO}-{agreement})", ErrInvalidTicker, ticker)
	}

	id, err := strconv.ParseUint(matches[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: agreement id %s", ErrInvalidTicker, matches[3])
	}
	return &Ticker{
		Symbol:      ticker,
		Token:       matches[1],
		Side:        model.Side(matches[2]),
		AgreementID: id,
	}, nil
}
