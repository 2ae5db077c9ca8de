package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/saint0x/incident-copilot/pkg/github"
	"github.com/saint0x/incident-copilot/pkg/incident"
	"github.com/spf13/cobra"
)

type projectOptions struct {
	token  string
	host   string
	name   string
	branch string
}

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage registered projects",
	}
	cmd.AddCommand(newProjectAddCmd(), newProjectListCmd())
	return cmd
}

func newProjectAddCmd() *cobra.Command {
	var opts projectOptions

	cmd := &cobra.Command{
		Use:   "add <web-url>",
		Short: "Register a project so its failed pipelines become incidents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := resolveProject(ctx, a, args[0], opts)
			if err != nil {
				return err
			}
			if err := a.store.CreateProject(ctx, p); err != nil {
				return err
			}
			logger.Success("Registered %s project %s (%s)", p.Host, p.Name, p.ID)
			fmt.Fprintln(cmd.OutOrStdout(), p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.token, "token", "", "access token used for API calls on this project")
	cmd.Flags().StringVar(&opts.host, "host", string(incident.HostGitLab), "git host: gitlab or github")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name (defaults to the remote project name)")
	cmd.Flags().StringVar(&opts.branch, "branch", "", "merge request target branch (defaults to the remote default branch)")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

// resolveProject asks the host for the project's identity and default branch
func resolveProject(ctx context.Context, a *app, webURL string, opts projectOptions) (*incident.Project, error) {
	p := &incident.Project{
		Host:          incident.Host(opts.host),
		WebURL:        webURL,
		AccessToken:   opts.token,
		Name:          opts.name,
		DefaultBranch: opts.branch,
		Active:        true,
	}

	switch p.Host {
	case incident.HostGitLab:
		info, err := a.gitlab.FetchProject(ctx, webURL, opts.token)
		if err != nil {
			return nil, fmt.Errorf("failed to look up project: %w", err)
		}
		p.GitLabProjectID = info.ID
		p.WebURL = info.WebURL
		p.Namespace = info.Namespace
		if p.Name == "" {
			p.Name = info.Name
		}
		if p.DefaultBranch == "" {
			p.DefaultBranch = info.DefaultBranch
		}
	case incident.HostGitHub:
		owner, repo, err := github.ParseRepoURL(webURL)
		if err != nil {
			return nil, err
		}
		gh, err := github.New(logger.Named("github"), opts.token, env.GitHubBaseURL, nil)
		if err != nil {
			return nil, err
		}
		p.Namespace = owner
		if p.Name == "" {
			p.Name = repo
		}
		if p.DefaultBranch == "" {
			if p.DefaultBranch, err = gh.GetDefaultBranch(ctx, owner, repo); err != nil {
				return nil, fmt.Errorf("failed to look up repository: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported host %q", opts.host)
	}
	return p, nil
}

func newProjectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			projects, err := a.store.ListProjects(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tHOST\tNAME\tBRANCH\tURL")
			for _, p := range projects {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Host, p.Name, p.BaseBranch(), p.WebURL)
			}
			return tw.Flush()
		},
	}
}

