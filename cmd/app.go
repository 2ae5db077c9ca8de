package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/saint0x/incident-copilot/pkg/ai"
	"github.com/saint0x/incident-copilot/pkg/gemini"
	"github.com/saint0x/incident-copilot/pkg/github"
	"github.com/saint0x/incident-copilot/pkg/gitlab"
	"github.com/saint0x/incident-copilot/pkg/incident"
	"github.com/saint0x/incident-copilot/pkg/metrics"
	"github.com/saint0x/incident-copilot/pkg/openai"
	"github.com/saint0x/incident-copilot/pkg/remediate"
	"github.com/saint0x/incident-copilot/pkg/store"
)

// app holds the components shared by the server and the one-shot commands
type app struct {
	pool       *pgxpool.Pool
	store      *store.Store
	metrics    *metrics.Metrics
	gitlab     *gitlab.Client
	repos      map[incident.Host]remediate.Repository
	remediator *remediate.Remediator
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if env.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL not configured")
	}
	pool, err := pgxpool.New(ctx, env.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}
	return pool, nil
}

func newApp(ctx context.Context) (*app, error) {
	pool, err := openPool(ctx)
	if err != nil {
		return nil, err
	}

	st, err := store.New(ctx, pool, logger.Zap())
	if err != nil {
		pool.Close()
		return nil, err
	}

	a := &app{
		pool:    pool,
		store:   st,
		metrics: metrics.New(),
	}
	a.gitlab = gitlab.New(logger.Named("gitlab"), gitlab.Config{
		BaseURL:   env.GitLabBaseURL,
		Timeout:   env.GitLabTimeout,
		RateLimit: env.GitLabRateLimit,
		Burst:     env.GitLabBurst,
	})

	a.repos = map[incident.Host]remediate.Repository{incident.HostGitLab: a.gitlab}
	if env.GitHubToken != "" {
		gh, err := github.New(logger.Named("github"), env.GitHubToken, env.GitHubBaseURL, nil)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.repos[incident.HostGitHub] = gh
	}

	a.remediator, err = remediate.New(logger.Named("remediate"), st, st, a.repos, a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the database pool
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// newGenerator builds the provider chain: Groq first, Gemini as fallback
func newGenerator(ctx context.Context, m *metrics.Metrics) (*ai.Generator, error) {
	var providers []ai.Provider
	if env.GroqAPIKey != "" {
		providers = append(providers, openai.NewClient(openai.Config{
			Name:         "groq",
			Token:        env.GroqAPIKey,
			BaseURL:      env.GroqBaseURL,
			Model:        env.GroqModel,
			SystemPrompt: openai.StrictJSONPrompt,
		}))
	}
	if env.GeminiAPIKey != "" {
		gc, err := gemini.New(ctx, gemini.Config{
			APIKey:  env.GeminiAPIKey,
			Model:   env.GeminiModel,
			BaseURL: env.GeminiBaseURL,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, gc)
	}

	return ai.New(logger.Named("ai"), providers,
		ai.WithMaxLogBytes(env.MaxLogBytes),
		ai.WithTimeout(env.AITimeout),
		ai.WithMetrics(m),
	)
}
