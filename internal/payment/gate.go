package payment

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/observability/metrics"
	"agentmarket/internal/web3"
	"agentmarket/pkg/logger"
)

const (
	defaultMaxTimeoutSeconds = 60
	defaultReservationTTL    = 2 * time.Minute
	defaultMimeType          = "application/json"
)

// GateConfig 描述支付要求中由卖方决定的部分。
type GateConfig struct {
	PayTo             string
	Resource          string
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
	ReservationTTL    time.Duration
}

// Gate 负责生成支付挑战，并以至多一次的语义校验和消费凭证。
type Gate struct {
	cfg      GateConfig
	chains   web3.ChainDefinitions
	ledger   Ledger
	verifier Verifier
	prices   *PriceBook
	now      func() time.Time
}

// GateOption 自定义 Gate。
type GateOption func(*Gate)

// WithPriceBook 指定 ChallengeFor 使用的报价来源。
func WithPriceBook(book *PriceBook) GateOption {
	return func(g *Gate) { g.prices = book }
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate 创建支付网关。
func NewGate(cfg GateConfig, chains web3.ChainDefinitions, ledger Ledger, verifier Verifier, opts ...GateOption) (*Gate, error) {
	if !common.IsHexAddress(cfg.PayTo) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "pay_to 必须是合法的地址")
	}
	if ledger == nil || verifier == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "支付网关缺少账本或校验器")
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = defaultMaxTimeoutSeconds
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = defaultReservationTTL
	}
	if cfg.MimeType == "" {
		cfg.MimeType = defaultMimeType
	}
	g := &Gate{
		cfg:      cfg,
		chains:   chains,
		ledger:   ledger,
		verifier: verifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Challenge 将报价项转换为 x402 支付要求。
func (g *Gate) Challenge(taskID string, options []PriceOption) ([]Requirements, error) {
	if len(options) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有可用的报价").With(xerrors.WithMetadata("task_id", taskID))
	}
	reqs := make([]Requirements, 0, len(options))
	for _, opt := range options {
		network, chain, ok := g.chains.NetworkForChainID(opt.ChainID)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "报价引用了未知的链").
				With(xerrors.WithMetadata("chain_id", strconv.FormatInt(opt.ChainID, 10)))
		}
		extra := &Extra{Name: opt.TokenName, Version: opt.TokenVersion}
		if token, found := chain.TokenByAddress(opt.TokenAddress); found {
			if extra.Name == "" {
				extra.Name = token.Name
			}
			if extra.Version == "" {
				extra.Version = token.Version
			}
		}
		reqs = append(reqs, Requirements{
			Scheme:            SchemeExact,
			Network:           network,
			MaxAmountRequired: opt.TokenAmount,
			Resource:          g.cfg.Resource,
			Description:       g.cfg.Description,
			MimeType:          g.cfg.MimeType,
			PayTo:             common.HexToAddress(g.cfg.PayTo).Hex(),
			MaxTimeoutSeconds: g.cfg.MaxTimeoutSeconds,
			Asset:             common.HexToAddress(opt.TokenAddress).Hex(),
			Extra:             extra,
		})
	}
	return reqs, nil
}

// ChallengeFor 按操作名查找报价并生成支付要求。
func (g *Gate) ChallengeFor(taskID, op string) ([]Requirements, error) {
	return g.Challenge(taskID, g.prices.Options(op))
}

// Identify 完成结构校验与要求匹配，返回凭证指纹与匹配到的要求，不触碰账本。
func (g *Gate) Identify(payload *Payload, reqs []Requirements) (string, Requirements, error) {
	if err := checkStructure(payload); err != nil {
		return "", Requirements{}, err
	}
	req, ok := matchRequirements(payload, reqs)
	if !ok {
		return "", Requirements{}, ErrNoMatchingRequirements
	}
	return Fingerprint(payload.Payload.Authorization, req.Asset, req.Network), req, nil
}

// Owner 返回指纹当前绑定的任务，从未使用过的凭证返回空串。
func (g *Gate) Owner(ctx context.Context, fingerprint string) (string, error) {
	entry, err := g.ledger.Lookup(ctx, fingerprint)
	if err != nil || entry == nil {
		return "", err
	}
	return entry.TaskID, nil
}

// VerifyAndConsume 校验凭证并将其绑定到 taskID。成功返回的 Acceptance 是执行任务的唯一凭据。
func (g *Gate) VerifyAndConsume(ctx context.Context, taskID string, payload *Payload, reqs []Requirements) (*Acceptance, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task_id 不能为空")
	}
	fp, req, err := g.Identify(payload, reqs)
	if err != nil {
		g.observe(err)
		return nil, err
	}
	now := g.now()
	if err := checkValidity(payload.Payload.Authorization, now); err != nil {
		g.observe(err)
		return nil, err
	}

	if err := g.ledger.Reserve(ctx, fp, taskID, now, g.cfg.ReservationTTL); err != nil {
		g.observe(err)
		return nil, err
	}

	payer, err := g.verifier.Verify(ctx, payload, req)
	if err != nil {
		return nil, g.abort(ctx, fp, taskID, err)
	}

	var settlement *Settlement
	if settler, ok := g.verifier.(Settler); ok {
		settlement, err = settler.Settle(ctx, payload, req)
		if err != nil {
			return nil, g.abort(ctx, fp, taskID, err)
		}
		if settlement.Payer == "" {
			settlement.Payer = payer
		}
	}

	if err := g.ledger.Commit(ctx, fp, taskID, g.now()); err != nil {
		logger.L().Error("提交支付账本失败",
			slog.String("task_id", taskID),
			slog.String("fingerprint", fp),
			slog.Any("error", err),
		)
		g.observe(err)
		return nil, err
	}

	acceptance := &Acceptance{
		taskID:       taskID,
		payer:        payer,
		fingerprint:  fp,
		requirements: req,
		settlement:   settlement,
		acceptedAt:   now.UTC(),
	}
	metrics.ObservePayment("accepted")
	logger.Audit().Info("支付凭证已接受",
		slog.String("task_id", taskID),
		slog.String("payer", payer),
		slog.String("fingerprint", fp),
		slog.String("network", req.Network),
		slog.String("amount", payload.Payload.Authorization.Value),
	)
	return acceptance, nil
}

func (g *Gate) abort(ctx context.Context, fp, taskID string, cause error) error {
	if err := g.ledger.Release(ctx, fp, taskID); err != nil {
		logger.L().Warn("释放支付预占失败", slog.String("task_id", taskID), slog.Any("error", err))
	}
	err := classifyVerifierError(cause)
	g.observe(err)
	logger.Audit().Warn("支付凭证被拒绝",
		slog.String("task_id", taskID),
		slog.String("fingerprint", fp),
		slog.String("code", string(xerrors.CodeOf(err))),
	)
	return err
}

func (g *Gate) observe(err error) {
	switch xerrors.CodeOf(err) {
	case CodeAlreadyConsumed:
		metrics.ObservePayment("replayed")
	case CodeVerifierUnavailable:
		metrics.ObservePayment("unavailable")
	default:
		metrics.ObservePayment("rejected")
	}
}

// classifyVerifierError 保证返回的都是支付错误码，未知错误视为暂时性故障。
func classifyVerifierError(err error) error {
	switch xerrors.CodeOf(err) {
	case CodeInvalidProof, CodeNoMatchingRequirements, CodeExpired, CodeVerifierUnavailable:
		return err
	}
	return ErrVerifierUnavailable.With(xerrors.WithCause(err))
}

func checkStructure(payload *Payload) error {
	if payload == nil {
		return ErrPaymentRequired
	}
	if payload.X402Version != X402Version {
		return invalidProof("x402_version")
	}
	if payload.Scheme == "" || payload.Network == "" {
		return invalidProof("scheme_or_network")
	}
	auth := payload.Payload.Authorization
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return invalidProof("address")
	}
	if payload.Asset != "" && !common.IsHexAddress(payload.Asset) {
		return invalidProof("asset")
	}
	if _, err := uint256.FromDecimal(auth.Value); err != nil {
		return invalidProof("value")
	}
	if _, err := strconv.ParseInt(auth.ValidAfter, 10, 64); err != nil {
		return invalidProof("valid_after")
	}
	if _, err := strconv.ParseInt(auth.ValidBefore, 10, 64); err != nil {
		return invalidProof("valid_before")
	}
	if !isHexBytes(auth.Nonce, 32) {
		return invalidProof("nonce")
	}
	if !isHexBytes(payload.Payload.Signature, 65) {
		return invalidProof("signature")
	}
	return nil
}

func isHexBytes(value string, size int) bool {
	if !strings.HasPrefix(value, "0x") && !strings.HasPrefix(value, "0X") {
		return false
	}
	decoded, err := hex.DecodeString(value[2:])
	return err == nil && len(decoded) == size
}

func matchRequirements(payload *Payload, reqs []Requirements) (Requirements, bool) {
	auth := payload.Payload.Authorization
	for _, req := range reqs {
		if !strings.EqualFold(req.Scheme, payload.Scheme) || !strings.EqualFold(req.Network, payload.Network) {
			continue
		}
		if !strings.EqualFold(req.PayTo, auth.To) {
			continue
		}
		if payload.Asset != "" && !strings.EqualFold(req.Asset, payload.Asset) {
			continue
		}
		return req, true
	}
	return Requirements{}, false
}

func checkValidity(auth Authorization, now time.Time) error {
	validAfter, _ := strconv.ParseInt(auth.ValidAfter, 10, 64)
	validBefore, _ := strconv.ParseInt(auth.ValidBefore, 10, 64)
	unix := now.Unix()
	if unix >= validBefore {
		return ErrExpired
	}
	if unix < validAfter {
		return invalidProof("not_yet_valid")
	}
	return nil
}
