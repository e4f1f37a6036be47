package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ganeshballa0/bank-of-anthos/internal/agent"
	"github.com/ganeshballa0/bank-of-anthos/internal/auth"
	"github.com/ganeshballa0/bank-of-anthos/internal/backend"
	"github.com/ganeshballa0/bank-of-anthos/internal/config"
	"github.com/ganeshballa0/bank-of-anthos/internal/events"
	"github.com/ganeshballa0/bank-of-anthos/internal/llm/openai"
	"github.com/ganeshballa0/bank-of-anthos/internal/observability/alerting"
	"github.com/ganeshballa0/bank-of-anthos/internal/observability/metrics"
	"github.com/ganeshballa0/bank-of-anthos/internal/session"
	"github.com/ganeshballa0/bank-of-anthos/internal/storage/mysql"
	"github.com/ganeshballa0/bank-of-anthos/internal/tool"
	"github.com/ganeshballa0/bank-of-anthos/pkg/logger"
)

// components 保存启动阶段构造的全部依赖，关闭时按相反顺序释放。
type components struct {
	cfg      *config.Config
	verifier *auth.Verifier
	metrics  *metrics.Registry
	registry *tool.Registry
	turns    mysql.TurnRepository
	agent    *agent.Agent

	closers []func() error
}

// buildTools 构造校验器、后端客户端与工具注册表。MCP 与 tools 命令只需要这一部分。
func buildTools(cfg *config.Config) (*components, error) {
	c := &components{cfg: cfg}

	// 步骤 1：公钥只在启动时加载一次。
	verifier, err := auth.NewVerifier(auth.Config{
		PublicKeyPath: cfg.Auth.PublicKeyPath,
		PublicKeyPEM:  cfg.Auth.PublicKeyPEM,
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		Leeway:        time.Duration(cfg.Auth.LeewaySeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	c.verifier = verifier

	if cfg.Metrics.Enabled {
		c.metrics = metrics.New()
	}

	// 步骤 2：支付尝试日志。
	journal, err := c.buildJournal()
	if err != nil {
		c.Close()
		return nil, err
	}

	// 步骤 3：后端客户端与工具注册表。
	clients := backend.New(backend.Options{
		Services: backend.Services{
			Scheme:           cfg.Backends.Scheme,
			ContactsAddr:     cfg.Backends.ContactsAddr,
			BalancesAddr:     cfg.Backends.BalancesAddr,
			HistoryAddr:      cfg.Backends.HistoryAddr,
			TransactionsAddr: cfg.Backends.TransactionsAddr,
		},
		Timeout:  cfg.Backends.Timeout(),
		Retries:  cfg.Backends.Retries,
		Journal:  journal,
		Observer: c.metrics,
	})
	c.registry = tool.NewRegistry(tool.WithObserver(c.metrics))
	if err := tool.RegisterBankTools(c.registry, tool.BankClientsFrom(clients), tool.BankOptions{
		LocalRoutingNum: cfg.Backends.LocalRoutingNum,
	}); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *components) buildJournal() (backend.Journal, error) {
	ttl := time.Duration(c.cfg.Payments.Journal.TTLSeconds) * time.Second
	switch c.cfg.Payments.Journal.Driver {
	case "redis":
		redisCfg := c.cfg.Payments.Journal.Redis
		journal, err := backend.NewRedisJournal(backend.RedisJournalConfig{
			Address:  redisCfg.Address,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
			Prefix:   redisCfg.Key,
			TTL:      ttl,
		})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, journal.Close)
		return journal, nil
	default:
		return backend.NewMemoryJournal(ttl), nil
	}
}

// buildAgent 在工具之上补齐推理代理、会话、审计存储、事件与告警。
func buildAgent(ctx context.Context, cfg *config.Config) (*components, error) {
	c, err := buildTools(cfg)
	if err != nil {
		return nil, err
	}

	reasoner, err := newReasoner(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}

	sessions := session.NewStore()
	go sessions.Run(ctx,
		time.Duration(cfg.Session.SweepIntervalSeconds)*time.Second,
		time.Duration(cfg.Session.IdleTTLSeconds)*time.Second,
	)

	turns, err := c.buildTurnRepository(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.turns = turns

	publisher, err := events.New(events.Config{
		Driver: cfg.Events.Driver,
		Redis: events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Key:      cfg.Events.Redis.Key,
		},
		RabbitMQ: events.RabbitMQConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Queue:      cfg.Events.RabbitMQ.Queue,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		},
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	c.closers = append(c.closers, publisher.Close)

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL, ChannelID: cfg.Alerting.Channel})
	}

	c.agent = agent.New(reasoner, c.registry, sessions,
		agent.WithAppName(cfg.Agent.AppName),
		agent.WithMaxToolCalls(cfg.Agent.MaxToolCalls),
		agent.WithMaxParallel(cfg.Agent.MaxParallel),
		agent.WithTurnTimeout(time.Duration(cfg.Agent.TurnTimeoutSeconds)*time.Second),
		agent.WithTurnRepository(turns),
		agent.WithEventPublisher(publisher),
		agent.WithAlerts(alerting.NewFanout(notifiers...)),
		agent.WithObserver(c.metrics),
	)
	return c, nil
}

func newReasoner(cfg *config.Config) (*openai.Reasoner, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return openai.NewReasoner(openai.Config{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的推理 provider: %s", cfg.LLM.Provider)
	}
}

func (c *components) buildTurnRepository(ctx context.Context) (mysql.TurnRepository, error) {
	store := c.cfg.Storage.TurnStore
	switch store.Driver {
	case "mysql":
		repo, err := mysql.NewSQLTurnRepository(ctx, mysql.Config{
			DSN:             store.DSN,
			MaxOpenConns:    store.MaxOpenConns,
			MaxIdleConns:    store.MaxIdleConns,
			ConnMaxLifetime: time.Duration(store.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(store.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, repo.Close)
		return repo, nil
	default:
		return mysql.NewMemoryTurnRepository(store.Capacity), nil
	}
}

// Close 释放外部连接并刷新日志。
func (c *components) Close() {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if err := errors.Join(errs...); err != nil {
		logger.L().Warn("关闭依赖失败", slog.Any("error", err))
	}
	_ = logger.Sync()
}
