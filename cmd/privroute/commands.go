package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"privroute/internal/agent"
	"privroute/internal/domain"
	"privroute/internal/provider"
)

func routeCmd() *cobra.Command {
	var persona, mode, model string
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Print the routing decision for a persona under a privacy mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if persona == "" {
				persona = a.cfg.General.ActivePersona
			}
			if mode == "" {
				mode = a.cfg.General.PrivacyMode
			}
			backend, err := domain.ParseBackend(mode)
			if err != nil {
				return err
			}
			p, err := a.personas.Get(persona)
			if err != nil {
				return err
			}
			if model == "" {
				model = p.Model
			}
			if model == "" {
				model = a.cfg.General.DefaultModel
			}
			info, err := a.cfg.ModelInfo(model)
			if err != nil {
				return err
			}
			d := agent.NewRouter(logger).Decide(p, backend, info, a.capabilities())
			data, _ := json.MarshalIndent(struct {
				Persona string `json:"persona"`
				Model   string `json:"model"`
				domain.PrivacyDecision
				NeedsReview bool `json:"needs_review"`
			}{p.Name, info.ID, d, d.NeedsReview()}, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&persona, "persona", "p", "", "persona name (default: general.activePersona)")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "privacy mode: local, hybrid or cloud (default: general.privacyMode)")
	cmd.Flags().StringVar(&model, "model", "", "model id override")
	return cmd
}

func redactCmd() *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "redact [text]",
		Short: "Redact text from the arguments or stdin and print the sanitized result",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := joinArgs(args)
			if text == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = strings.TrimRight(string(data), "\n")
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.redactor.Redact(cmd.Context(), text)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.Sanitized)
			fmt.Fprintf(out, "\n%d detected, %d custom terms\n", res.DetectedCount, res.CustomCount)
			if res.DetectorErr != nil {
				fmt.Fprintf(out, "warning: %v\n", res.DetectorErr)
			}
			for _, p := range res.Mapping.Pairs() {
				if reveal {
					fmt.Fprintf(out, "  %s = %s\n", p.Placeholder, p.Original)
				} else {
					fmt.Fprintf(out, "  %s\n", p.Placeholder)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "also print the original value behind each placeholder")
	return cmd
}

func termsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terms",
		Short: "Manage custom redaction terms",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add [label] [value]",
		Short: "Add a term; its same-length replacement is generated",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			term, err := a.store.AddTerm(cmd.Context(), domain.CustomRedactTerm{Label: args[0], Value: joinArgs(args[1:])})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added term %d (%s) -> %s\n", term.ID, term.Label, term.Replacement)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List terms",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			terms, err := a.store.ListTerms(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range terms {
				fmt.Fprintf(cmd.OutOrStdout(), "%4d  %-16s %s -> %s\n", t.ID, t.Label, t.Value, t.Replacement)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove [id]",
		Short: "Remove a term by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.store.RemoveTerm(cmd.Context(), id)
		},
	})
	return cmd
}

func vaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Store PII values and restore them in documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add [label] [value]",
		Short: "Store a value with a generated same-length replacement",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			e, err := a.store.AddVaultEntry(cmd.Context(), args[0], joinArgs(args[1:]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s as %s\n", e.Label, e.Replacement)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List vault entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			entries, err := a.store.ListVault(cmd.Context())
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%4d  %-16s %s  (%s)\n", e.ID, e.Label, e.Replacement, e.CreatedAt.Format(time.DateOnly))
			}
			return nil
		},
	})

	var output string
	rehydrate := &cobra.Command{
		Use:   "rehydrate [file]",
		Short: "Replace vault replacements in a document with the stored values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			text, n, err := a.store.RehydrateDocument(cmd.Context(), string(data))
			if err != nil {
				return err
			}
			if output == "" {
				fmt.Fprint(cmd.OutOrStdout(), text)
			} else if err := os.WriteFile(output, []byte(text), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d values restored\n", n)
			return nil
		},
	}
	rehydrate.Flags().StringVarP(&output, "output", "o", "", "write the result to a file instead of stdout")
	cmd.AddCommand(rehydrate)
	return cmd
}

func personasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "Inspect configured personas",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List personas and their privacy settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			for _, name := range a.personas.Names() {
				p, _ := a.personas.Get(name)
				var flags []string
				if p.RequireAnonymization {
					flags = append(flags, "requires anonymization")
				}
				if p.PrivacyFirst {
					flags = append(flags, "privacy-first")
				}
				if p.ContentMode == domain.ContentAttributesOnly {
					flags = append(flags, "attributes only")
				}
				if p.SkipReview {
					flags = append(flags, "skips review")
				}
				model := p.Model
				if model == "" {
					model = a.cfg.General.DefaultModel + " (default)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-24s %s\n", p.Name, model, strings.Join(flags, ", "))
			}
			return nil
		},
	})
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the detector, local runtime and cloud provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			fmt.Printf("privroute %s, mode %s, persona %s\n\n", version, a.cfg.General.PrivacyMode, a.cfg.General.ActivePersona)

			switch {
			case a.detector == nil:
				printWarn("Entity detector", "disabled, anonymization uses custom terms only")
			case a.detector.Healthy(ctx) != nil:
				printFail("Entity detector", a.cfg.Detector.URL+" unreachable")
			default:
				printPass("Entity detector", a.cfg.Detector.URL)
			}

			if a.extractor == nil {
				printWarn("Attributes", "disabled")
			} else {
				printPass("Attributes", a.cfg.Attributes.URL)
			}

			if local := a.factory.Local(); local == nil {
				printWarn("Local runtime", "no local model configured")
			} else if err := local.Healthy(ctx); err != nil {
				printFail("Local runtime", provider.Remediation(err, a.cfg.LocalModelID()))
			} else {
				printPass("Local runtime", a.cfg.LocalModelID())
			}

			if p, err := a.factory.CloudFor(a.cfg.General.DefaultModel); err != nil {
				printFail("Cloud provider", err.Error())
			} else if err := p.Healthy(ctx); err != nil {
				printFail("Cloud provider", fmt.Sprintf("%s: %v", p.Name(), err))
			} else {
				printPass("Cloud provider", p.Name())
			}

			totals, err := a.store.UsageTotals(ctx)
			if err == nil && len(totals) > 0 {
				fmt.Println("\nToken usage:")
				for _, b := range []domain.Backend{domain.BackendLocal, domain.BackendHybrid, domain.BackendCloud} {
					if u, ok := totals[b]; ok {
						fmt.Printf("  %-7s %8d prompt %8d completion\n", b, u.PromptTokens, u.CompletionTokens)
					}
				}
			}
			return nil
		},
	}
}
