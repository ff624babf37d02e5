package payment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	xerrors "agentmarket/internal/errors"
	"agentmarket/pkg/logger"
)

// PriceBook 保存每种操作的报价项，可从 YAML 文件热加载。
type PriceBook struct {
	path string

	mu     sync.RWMutex
	prices map[string][]PriceOption
}

// NewStaticPriceBook 使用固定报价创建 PriceBook。
func NewStaticPriceBook(prices map[string][]PriceOption) *PriceBook {
	return &PriceBook{prices: clonePrices(prices)}
}

// LoadPriceBook 从 YAML 文件读取报价，文件格式为 operation -> [PriceOption]。
func LoadPriceBook(path string) (*PriceBook, error) {
	prices, err := readPrices(path)
	if err != nil {
		return nil, err
	}
	return &PriceBook{path: path, prices: prices}, nil
}

func readPrices(path string) (map[string][]PriceOption, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取定价文件失败")
	}
	var prices map[string][]PriceOption
	if err := yaml.Unmarshal(data, &prices); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析定价文件失败")
	}
	for op, options := range prices {
		for i, opt := range options {
			if opt.ChainID <= 0 || opt.TokenAddress == "" {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("定价项 %s[%d] 缺少链或代币", op, i))
			}
			if _, err := uint256.FromDecimal(opt.TokenAmount); err != nil {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("定价项 %s[%d] 金额无效", op, i))
			}
		}
	}
	return prices, nil
}

// Options 返回操作的报价项副本。
func (b *PriceBook) Options(op string) []PriceOption {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]PriceOption(nil), b.prices[op]...)
}

// Reload 重新读取定价文件，失败时保留旧报价。
func (b *PriceBook) Reload() error {
	if b.path == "" {
		return nil
	}
	prices, err := readPrices(b.path)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.prices = prices
	b.mu.Unlock()
	return nil
}

// Watch 监听定价文件变更并自动重新加载，直到 ctx 结束。
func (b *PriceBook) Watch(ctx context.Context) error {
	if b.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建文件监听失败")
	}
	// 监听目录以便捕获编辑器的 rename 写入。
	if err := watcher.Add(filepath.Dir(b.path)); err != nil {
		watcher.Close()
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "监听定价文件失败")
	}
	go func() {
		defer watcher.Close()
		target := filepath.Clean(b.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := b.Reload(); err != nil {
					logger.L().Warn("重新加载定价文件失败", slog.String("path", b.path), slog.Any("error", err))
					continue
				}
				logger.L().Info("定价文件已重新加载", slog.String("path", b.path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.L().Warn("定价文件监听出错", slog.Any("error", err))
			}
		}
	}()
	return nil
}

func clonePrices(in map[string][]PriceOption) map[string][]PriceOption {
	out := make(map[string][]PriceOption, len(in))
	for op, options := range in {
		out[strings.TrimSpace(op)] = append([]PriceOption(nil), options...)
	}
	return out
}
