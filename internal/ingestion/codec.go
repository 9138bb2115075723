package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"

	"TroveLedger/internal/collateral"
	"TroveLedger/internal/event"
	fpmath "TroveLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// DecimalsFunc resolves the native decimals of a collateral token.
type DecimalsFunc func(token common.Address) (uint8, error)

// Codec converts commands to and from their JSON wire format. Amounts
// travel as decimal strings: stablecoin and fee fractions with 18
// decimals, collateral in the token's own decimals.
type Codec struct {
	decimals DecimalsFunc
}

func NewCodec(decimals DecimalsFunc) *Codec {
	return &Codec{decimals: decimals}
}

// NewRegistryCodec resolves decimals from a collateral registry.
func NewRegistryCodec(registry *collateral.Registry) *Codec {
	return NewCodec(registry.Decimals)
}

// ParseRawEvent converts a broker message into a typed command.
func (c *Codec) ParseRawEvent(raw RawEvent) (event.Command, error) {
	return c.ParseCommand(raw.CommandType, raw.Data)
}

// ParseCommand decodes a JSON payload of the given type.
func (c *Codec) ParseCommand(commandType event.CommandType, data []byte) (event.Command, error) {
	switch commandType {
	case event.CommandTypeOpenTrove:
		return c.parseOpenTrove(data)
	case event.CommandTypeAdjustTrove:
		return c.parseAdjustTrove(data)
	case event.CommandTypeCloseTrove:
		return parseOwnerCommand(data, commandType)
	case event.CommandTypeClaimCollateral:
		return parseOwnerCommand(data, commandType)
	case event.CommandTypeLiquidate:
		return parseLiquidate(data)
	case event.CommandTypeLiquidateTroves:
		return parseLiquidateTroves(data)
	case event.CommandTypeBatchLiquidateTroves:
		return parseBatchLiquidateTroves(data)
	case event.CommandTypeRedeemCollateral:
		return parseRedeemCollateral(data)
	case event.CommandTypeUpdateTroves:
		return parseUpdateTroves(data)
	case event.CommandTypeProvideToSP, event.CommandTypeWithdrawFromSP:
		return parseStabilityCommand(data, commandType)
	case event.CommandTypeMintCollateral:
		return c.parseMintCollateral(data)
	case event.CommandTypeTransfer:
		return parseTransfer(data)
	case event.CommandTypePrimaryRound:
		return parsePrimaryRound(data)
	case event.CommandTypeSecondaryValue:
		return parseSecondaryValue(data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// EncodeCommand renders cmd in the same wire format ParseCommand reads.
func (c *Codec) EncodeCommand(cmd event.Command) ([]byte, error) {
	var v any
	switch cmd := cmd.(type) {
	case *event.OpenTrove:
		colls, err := c.formatColls(cmd.Colls)
		if err != nil {
			return nil, err
		}
		v = openTroveJSON{
			metaJSON:   formatMeta(cmd.Meta),
			Owner:      cmd.Owner.Hex(),
			Colls:      colls,
			DebtAmount: fpmath.FormatDecimal(cmd.DebtAmount),
			MaxFee:     formatAmount(cmd.MaxFee),
			UpperHint:  formatHint(cmd.UpperHint),
			LowerHint:  formatHint(cmd.LowerHint),
		}
	case *event.AdjustTrove:
		collsIn, err := c.formatColls(cmd.CollsIn)
		if err != nil {
			return nil, err
		}
		collsOut, err := c.formatColls(cmd.CollsOut)
		if err != nil {
			return nil, err
		}
		v = adjustTroveJSON{
			metaJSON:       formatMeta(cmd.Meta),
			Owner:          cmd.Owner.Hex(),
			CollsIn:        collsIn,
			CollsOut:       collsOut,
			DebtChange:     formatAmount(cmd.DebtChange),
			IsDebtIncrease: cmd.IsDebtIncrease,
			MaxFee:         formatAmount(cmd.MaxFee),
			UpperHint:      formatHint(cmd.UpperHint),
			LowerHint:      formatHint(cmd.LowerHint),
		}
	case *event.CloseTrove:
		v = ownerJSON{metaJSON: formatMeta(cmd.Meta), Owner: cmd.Owner.Hex()}
	case *event.ClaimCollateral:
		v = ownerJSON{metaJSON: formatMeta(cmd.Meta), Owner: cmd.Owner.Hex()}
	case *event.Liquidate:
		v = liquidateJSON{metaJSON: formatMeta(cmd.Meta), Liquidator: cmd.Liquidator.Hex(), Owner: cmd.Owner.Hex()}
	case *event.LiquidateTroves:
		v = liquidateTrovesJSON{metaJSON: formatMeta(cmd.Meta), Liquidator: cmd.Liquidator.Hex(), Count: cmd.Count}
	case *event.BatchLiquidateTroves:
		v = batchLiquidateJSON{metaJSON: formatMeta(cmd.Meta), Liquidator: cmd.Liquidator.Hex(), Owners: formatAddresses(cmd.Owners)}
	case *event.RedeemCollateral:
		v = redeemJSON{
			metaJSON:      formatMeta(cmd.Meta),
			Redeemer:      cmd.Redeemer.Hex(),
			Amount:        fpmath.FormatDecimal(cmd.Amount),
			FirstHint:     formatHint(cmd.FirstHint),
			UpperHint:     formatHint(cmd.UpperHint),
			LowerHint:     formatHint(cmd.LowerHint),
			MaxIterations: cmd.MaxIterations,
			MaxFee:        formatAmount(cmd.MaxFee),
		}
	case *event.UpdateTroves:
		v = updateTrovesJSON{metaJSON: formatMeta(cmd.Meta), Owners: formatAddresses(cmd.Owners)}
	case *event.ProvideToSP:
		v = stabilityJSON{metaJSON: formatMeta(cmd.Meta), Owner: cmd.Owner.Hex(), Amount: fpmath.FormatDecimal(cmd.Amount)}
	case *event.WithdrawFromSP:
		v = stabilityJSON{metaJSON: formatMeta(cmd.Meta), Owner: cmd.Owner.Hex(), Amount: fpmath.FormatDecimal(cmd.Amount)}
	case *event.MintCollateral:
		decimals, err := c.decimals(cmd.Token)
		if err != nil {
			return nil, err
		}
		v = mintJSON{
			metaJSON: formatMeta(cmd.Meta),
			Token:    cmd.Token.Hex(),
			To:       cmd.To.Hex(),
			Amount:   fpmath.FormatUnits(cmd.Amount, decimals),
		}
	case *event.Transfer:
		v = transferJSON{metaJSON: formatMeta(cmd.Meta), From: cmd.From.Hex(), To: cmd.To.Hex(), Amount: fpmath.FormatDecimal(cmd.Amount)}
	case *event.PrimaryRound:
		answer := "0"
		if cmd.Answer != nil {
			answer = decimal.NewFromBigInt(cmd.Answer, -int32(cmd.Decimals)).String()
		}
		v = primaryRoundJSON{
			Token:       cmd.Token.Hex(),
			RoundID:     cmd.RoundID,
			Answer:      answer,
			Decimals:    cmd.Decimals,
			UpdatedAt:   cmd.UpdatedAt,
			TimestampUs: cmd.Timestamp,
		}
	case *event.SecondaryValue:
		v = secondaryValueJSON{
			Token:       cmd.Token.Hex(),
			Sequence:    cmd.Sequence,
			Value:       fpmath.FormatUnits(cmd.Value, cmd.Decimals),
			Decimals:    cmd.Decimals,
			ReadingTime: cmd.ReadingTime,
			TimestampUs: cmd.Timestamp,
		}
	default:
		return nil, fmt.Errorf("unknown command: %T", cmd)
	}
	return json.Marshal(v)
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type metaJSON struct {
	RequestID   string `json:"request_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type collJSON struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type openTroveJSON struct {
	metaJSON
	Owner      string     `json:"owner"`
	Colls      []collJSON `json:"colls"`
	DebtAmount string     `json:"debt_amount"`
	MaxFee     string     `json:"max_fee,omitempty"`
	UpperHint  string     `json:"upper_hint,omitempty"`
	LowerHint  string     `json:"lower_hint,omitempty"`
}

type adjustTroveJSON struct {
	metaJSON
	Owner          string     `json:"owner"`
	CollsIn        []collJSON `json:"colls_in,omitempty"`
	CollsOut       []collJSON `json:"colls_out,omitempty"`
	DebtChange     string     `json:"debt_change,omitempty"`
	IsDebtIncrease bool       `json:"is_debt_increase"`
	MaxFee         string     `json:"max_fee,omitempty"`
	UpperHint      string     `json:"upper_hint,omitempty"`
	LowerHint      string     `json:"lower_hint,omitempty"`
}

type ownerJSON struct {
	metaJSON
	Owner string `json:"owner"`
}

type liquidateJSON struct {
	metaJSON
	Liquidator string `json:"liquidator"`
	Owner      string `json:"owner"`
}

type liquidateTrovesJSON struct {
	metaJSON
	Liquidator string `json:"liquidator"`
	Count      int    `json:"count"`
}

type batchLiquidateJSON struct {
	metaJSON
	Liquidator string   `json:"liquidator"`
	Owners     []string `json:"owners"`
}

type redeemJSON struct {
	metaJSON
	Redeemer      string `json:"redeemer"`
	Amount        string `json:"amount"`
	FirstHint     string `json:"first_hint,omitempty"`
	UpperHint     string `json:"upper_hint,omitempty"`
	LowerHint     string `json:"lower_hint,omitempty"`
	MaxIterations int    `json:"max_iterations"`
	MaxFee        string `json:"max_fee,omitempty"`
}

type updateTrovesJSON struct {
	metaJSON
	Owners []string `json:"owners"`
}

type stabilityJSON struct {
	metaJSON
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

type mintJSON struct {
	metaJSON
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type transferJSON struct {
	metaJSON
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type primaryRoundJSON struct {
	Token       string `json:"token"`
	RoundID     uint64 `json:"round_id"`
	Answer      string `json:"answer"`
	Decimals    uint8  `json:"decimals"`
	UpdatedAt   int64  `json:"updated_at"`
	TimestampUs int64  `json:"timestamp_us"`
}

type secondaryValueJSON struct {
	Token       string `json:"token"`
	Sequence    int64  `json:"sequence"`
	Value       string `json:"value"`
	Decimals    uint8  `json:"decimals"`
	ReadingTime int64  `json:"reading_time"`
	TimestampUs int64  `json:"timestamp_us"`
}

// --- decoders ---

func (c *Codec) parseOpenTrove(data []byte) (*event.OpenTrove, error) {
	var j openTroveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenTrove: %w", err)
	}
	p := newFieldParser()
	cmd := &event.OpenTrove{
		Meta:       p.meta(j.metaJSON),
		Owner:      p.address("owner", j.Owner),
		Colls:      p.colls(c, "colls", j.Colls),
		DebtAmount: p.amount("debt_amount", j.DebtAmount),
		MaxFee:     p.optionalAmount("max_fee", j.MaxFee),
		UpperHint:  p.hint("upper_hint", j.UpperHint),
		LowerHint:  p.hint("lower_hint", j.LowerHint),
	}
	return cmd, p.err
}

func (c *Codec) parseAdjustTrove(data []byte) (*event.AdjustTrove, error) {
	var j adjustTroveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AdjustTrove: %w", err)
	}
	p := newFieldParser()
	cmd := &event.AdjustTrove{
		Meta:           p.meta(j.metaJSON),
		Owner:          p.address("owner", j.Owner),
		CollsIn:        p.colls(c, "colls_in", j.CollsIn),
		CollsOut:       p.colls(c, "colls_out", j.CollsOut),
		DebtChange:     p.optionalAmount("debt_change", j.DebtChange),
		IsDebtIncrease: j.IsDebtIncrease,
		MaxFee:         p.optionalAmount("max_fee", j.MaxFee),
		UpperHint:      p.hint("upper_hint", j.UpperHint),
		LowerHint:      p.hint("lower_hint", j.LowerHint),
	}
	return cmd, p.err
}

func parseOwnerCommand(data []byte, commandType event.CommandType) (event.Command, error) {
	var j ownerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", commandType, err)
	}
	p := newFieldParser()
	meta := p.meta(j.metaJSON)
	owner := p.address("owner", j.Owner)
	if p.err != nil {
		return nil, p.err
	}
	if commandType == event.CommandTypeClaimCollateral {
		return &event.ClaimCollateral{Meta: meta, Owner: owner}, nil
	}
	return &event.CloseTrove{Meta: meta, Owner: owner}, nil
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	p := newFieldParser()
	cmd := &event.Liquidate{
		Meta:       p.meta(j.metaJSON),
		Liquidator: p.address("liquidator", j.Liquidator),
		Owner:      p.address("owner", j.Owner),
	}
	return cmd, p.err
}

func parseLiquidateTroves(data []byte) (*event.LiquidateTroves, error) {
	var j liquidateTrovesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidateTroves: %w", err)
	}
	p := newFieldParser()
	cmd := &event.LiquidateTroves{
		Meta:       p.meta(j.metaJSON),
		Liquidator: p.address("liquidator", j.Liquidator),
		Count:      j.Count,
	}
	if p.err == nil && j.Count <= 0 {
		p.err = fmt.Errorf("parse count: must be positive, got %d", j.Count)
	}
	return cmd, p.err
}

func parseBatchLiquidateTroves(data []byte) (*event.BatchLiquidateTroves, error) {
	var j batchLiquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BatchLiquidateTroves: %w", err)
	}
	p := newFieldParser()
	cmd := &event.BatchLiquidateTroves{
		Meta:       p.meta(j.metaJSON),
		Liquidator: p.address("liquidator", j.Liquidator),
		Owners:     p.addresses("owners", j.Owners),
	}
	return cmd, p.err
}

func parseRedeemCollateral(data []byte) (*event.RedeemCollateral, error) {
	var j redeemJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RedeemCollateral: %w", err)
	}
	p := newFieldParser()
	cmd := &event.RedeemCollateral{
		Meta:          p.meta(j.metaJSON),
		Redeemer:      p.address("redeemer", j.Redeemer),
		Amount:        p.amount("amount", j.Amount),
		FirstHint:     p.hint("first_hint", j.FirstHint),
		UpperHint:     p.hint("upper_hint", j.UpperHint),
		LowerHint:     p.hint("lower_hint", j.LowerHint),
		MaxIterations: j.MaxIterations,
		MaxFee:        p.optionalAmount("max_fee", j.MaxFee),
	}
	return cmd, p.err
}

func parseUpdateTroves(data []byte) (*event.UpdateTroves, error) {
	var j updateTrovesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdateTroves: %w", err)
	}
	p := newFieldParser()
	cmd := &event.UpdateTroves{
		Meta:   p.meta(j.metaJSON),
		Owners: p.addresses("owners", j.Owners),
	}
	return cmd, p.err
}

func parseStabilityCommand(data []byte, commandType event.CommandType) (event.Command, error) {
	var j stabilityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", commandType, err)
	}
	p := newFieldParser()
	meta := p.meta(j.metaJSON)
	owner := p.address("owner", j.Owner)
	amount := p.amount("amount", j.Amount)
	if p.err != nil {
		return nil, p.err
	}
	if commandType == event.CommandTypeWithdrawFromSP {
		return &event.WithdrawFromSP{Meta: meta, Owner: owner, Amount: amount}, nil
	}
	return &event.ProvideToSP{Meta: meta, Owner: owner, Amount: amount}, nil
}

func (c *Codec) parseMintCollateral(data []byte) (*event.MintCollateral, error) {
	var j mintJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MintCollateral: %w", err)
	}
	p := newFieldParser()
	cmd := &event.MintCollateral{
		Meta:  p.meta(j.metaJSON),
		Token: p.address("token", j.Token),
		To:    p.address("to", j.To),
	}
	if p.err != nil {
		return nil, p.err
	}
	decimals, err := c.decimals(cmd.Token)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	cmd.Amount = p.units("amount", j.Amount, decimals)
	return cmd, p.err
}

func parseTransfer(data []byte) (*event.Transfer, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Transfer: %w", err)
	}
	p := newFieldParser()
	cmd := &event.Transfer{
		Meta:   p.meta(j.metaJSON),
		From:   p.address("from", j.From),
		To:     p.address("to", j.To),
		Amount: p.amount("amount", j.Amount),
	}
	return cmd, p.err
}

func parsePrimaryRound(data []byte) (*event.PrimaryRound, error) {
	var j primaryRoundJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PrimaryRound: %w", err)
	}
	p := newFieldParser()
	cmd := &event.PrimaryRound{
		Token:     p.address("token", j.Token),
		RoundID:   j.RoundID,
		Decimals:  j.Decimals,
		UpdatedAt: j.UpdatedAt,
		Timestamp: j.TimestampUs,
	}
	if p.err != nil {
		return nil, p.err
	}
	answer, err := parseSigned(j.Answer, j.Decimals)
	if err != nil {
		return nil, fmt.Errorf("parse answer: %w", err)
	}
	cmd.Answer = answer
	return cmd, nil
}

func parseSecondaryValue(data []byte) (*event.SecondaryValue, error) {
	var j secondaryValueJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SecondaryValue: %w", err)
	}
	p := newFieldParser()
	cmd := &event.SecondaryValue{
		Token:       p.address("token", j.Token),
		Sequence:    j.Sequence,
		Value:       p.units("value", j.Value, j.Decimals),
		Decimals:    j.Decimals,
		ReadingTime: j.ReadingTime,
		Timestamp:   j.TimestampUs,
	}
	return cmd, p.err
}

// parseSigned scales a possibly negative decimal string to an integer.
func parseSigned(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%q has more than %d decimal places", s, decimals)
	}
	return scaled.BigInt(), nil
}

// fieldParser keeps the first field error so decoders read linearly.
type fieldParser struct {
	err error
}

func newFieldParser() *fieldParser {
	return &fieldParser{}
}

func (p *fieldParser) fail(field string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", field, err)
	}
}

func (p *fieldParser) meta(j metaJSON) event.Meta {
	id, err := uuid.Parse(j.RequestID)
	if err != nil {
		p.fail("request_id", err)
	}
	return event.Meta{RequestID: id, Sequence: j.Sequence, Timestamp: j.TimestampUs}
}

func (p *fieldParser) address(field, s string) common.Address {
	if !common.IsHexAddress(s) {
		p.fail(field, fmt.Errorf("invalid address %q", s))
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// hint accepts an empty string as the zero address.
func (p *fieldParser) hint(field, s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return p.address(field, s)
}

func (p *fieldParser) addresses(field string, ss []string) []common.Address {
	out := make([]common.Address, len(ss))
	for i, s := range ss {
		out[i] = p.address(fmt.Sprintf("%s[%d]", field, i), s)
	}
	return out
}

func (p *fieldParser) units(field, s string, decimals uint8) *uint256.Int {
	v, err := fpmath.ParseUnits(s, decimals)
	if err != nil {
		p.fail(field, err)
		return new(uint256.Int)
	}
	return v
}

func (p *fieldParser) amount(field, s string) *uint256.Int {
	return p.units(field, s, fpmath.DecimalPlaces)
}

// optionalAmount maps an empty string to nil.
func (p *fieldParser) optionalAmount(field, s string) *uint256.Int {
	if s == "" {
		return nil
	}
	return p.amount(field, s)
}

func (p *fieldParser) colls(c *Codec, field string, js []collJSON) []collateral.Entry {
	if len(js) == 0 {
		return nil
	}
	out := make([]collateral.Entry, 0, len(js))
	for i, j := range js {
		name := fmt.Sprintf("%s[%d]", field, i)
		token := p.address(name+".token", j.Token)
		if p.err != nil {
			return nil
		}
		decimals, err := c.decimals(token)
		if err != nil {
			p.fail(name+".token", err)
			return nil
		}
		out = append(out, collateral.Entry{Token: token, Amount: p.units(name+".amount", j.Amount, decimals)})
	}
	return out
}

// --- encoders ---

func formatMeta(m event.Meta) metaJSON {
	return metaJSON{RequestID: m.RequestID.String(), Sequence: m.Sequence, TimestampUs: m.Timestamp}
}

// formatAmount renders an optional amount, nil as empty.
func formatAmount(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return fpmath.FormatDecimal(v)
}

func formatHint(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func formatAddresses(as []common.Address) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.Hex()
	}
	return out
}

func (c *Codec) formatColls(entries []collateral.Entry) ([]collJSON, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]collJSON, len(entries))
	for i, e := range entries {
		decimals, err := c.decimals(e.Token)
		if err != nil {
			return nil, err
		}
		out[i] = collJSON{Token: e.Token.Hex(), Amount: fpmath.FormatUnits(e.Amount, decimals)}
	}
	return out, nil
}
