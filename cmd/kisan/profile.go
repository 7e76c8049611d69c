package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/krishisetu/krishisetu/internal/access"
	"github.com/krishisetu/krishisetu/internal/onboarding"
	"github.com/krishisetu/krishisetu/internal/session"
	"github.com/krishisetu/krishisetu/pkg/account"
	"github.com/krishisetu/krishisetu/pkg/client"
	"github.com/spf13/cobra"
)

// ── status ───────────────────────────────────────────────────────────────────

var (
	statusFormat string
	statusWatch  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session and farm profile",
	Long: `status resumes the saved session and prints it. With --watch it stays
connected to the gateway and prints every change (a confirmation opened on
another device, a sign-out elsewhere) until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := printState(a.store.Current()); err != nil {
				return err
			}
			if !statusWatch {
				return nil
			}
			return watch(ctx, a)
		})
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "Output format: text or json")
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "keep running and print session changes")
}

func watch(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	unsubscribe := a.store.Subscribe(func(st session.State) {
		fmt.Println("──")
		_ = printState(st)
	})
	defer unsubscribe()

	err := a.gw.Watch(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, client.ErrNoSession):
		return errors.New("not signed in: nothing to watch")
	case err == nil:
		fmt.Println("stream closed by the gateway")
		return nil
	default:
		return err
	}
}

func printState(st session.State) error {
	if statusFormat == "json" {
		type jsonState struct {
			Status          string            `json:"status"`
			Identity        *account.Identity `json:"identity,omitempty"`
			Profile         *account.Profile  `json:"profile,omitempty"`
			ProfileComplete bool              `json:"profile_complete"`
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jsonState{
			Status:          st.Status.String(),
			Identity:        st.Identity,
			Profile:         st.Profile,
			ProfileComplete: st.ProfileComplete(),
		})
	}

	fmt.Printf("Session:  %s\n", st.Status)
	if st.Identity == nil {
		return nil
	}
	if st.Identity.Email != "" {
		fmt.Printf("Email:    %s\n", st.Identity.Email)
	}
	if st.Identity.Phone != "" {
		fmt.Printf("Phone:    %s\n", st.Identity.Phone)
	}
	p := st.Profile
	if p == nil {
		return nil
	}
	fmt.Printf("Name:     %s\n", p.DisplayName)
	if p.Location != "" {
		fmt.Printf("Location: %s\n", p.Location)
	}
	fmt.Printf("Points:   %d (level %d)\n", p.Points, p.Level)
	fmt.Printf("Profile:  %s\n", completeness(p))
	return nil
}

func completeness(p *account.Profile) string {
	if p.Completed {
		return "complete"
	}
	return "incomplete (run kisan onboard)"
}

// ── onboard ──────────────────────────────────────────────────────────────────

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Fill in your farm profile step by step",
	Long: `onboard asks for your details in four steps: personal info, farm
details, crop preferences and settings. Enter "<" at any prompt to go back a
step. Nothing is saved until the last step.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			run, err := onboarding.New(a.gw, a.store, a.logger).Start()
			if errors.Is(err, onboarding.ErrNotActive) {
				return errors.New("sign in with a confirmed account first (kisan signin or kisan phone)")
			}
			if err != nil {
				return err
			}
			return runWizard(ctx, a, run)
		})
	},
}

const backInput = "<"

func runWizard(ctx context.Context, a *app, run *onboarding.Run) error {
	for {
		step := run.Step()
		fmt.Printf("\nStep %d of %d: %s\n", int(step), len(onboarding.Steps), step.Title())

		back, err := fillStep(a, run)
		if err != nil {
			return err
		}
		if back {
			if err := run.Back(); err != nil {
				fmt.Println(err)
			}
			continue
		}

		if step != onboarding.StepSettings {
			if err := run.Next(); err != nil {
				fmt.Println(err)
			}
			continue
		}

		p, err := run.Submit(ctx)
		var verr *onboarding.ValidationError
		switch {
		case err == nil:
			fmt.Printf("\n✓ Profile saved. You have %d points (level %d).\n", p.Points, p.Level)
			return nil
		case errors.As(err, &verr):
			fmt.Println(err)
		default:
			return err
		}
	}
}

// fillStep prompts for the fields of the current step. It reports whether
// the user asked to go back.
func fillStep(a *app, run *onboarding.Run) (back bool, err error) {
	d := run.Draft()
	ask := func(label, def string) (string, bool) {
		v := a.prompt(label, def)
		return v, v == backInput
	}

	switch run.Step() {
	case onboarding.StepPersonal:
		name, b := ask("Name", d.DisplayName)
		if b {
			return true, nil
		}
		loc, b := ask("Village / district", d.Location)
		if b {
			return true, nil
		}
		return false, run.SetPersonal(name, loc)

	case onboarding.StepFarm:
		size, b := ask("Farm size (small, medium, large)", string(d.FarmSize))
		if b {
			return true, nil
		}
		return false, run.SetFarm(account.FarmSize(strings.ToLower(size)))

	case onboarding.StepCrops:
		fmt.Printf("Crops: %s\n", strings.Join(account.Crops, ", "))
		crops, b := ask("Your main crops (comma separated)", strings.Join(d.PrimaryCrops, ","))
		if b {
			return true, nil
		}
		exp, b := ask("Experience (beginner, intermediate, experienced)", string(d.Experience))
		if b {
			return true, nil
		}
		return false, run.SetCrops(strings.Split(crops, ","), account.Experience(strings.ToLower(exp)))

	case onboarding.StepSettings:
		lang, b := ask(fmt.Sprintf("Preferred language (%s)", strings.Join(account.Languages, ", ")), d.PreferredLanguage)
		if b {
			return true, nil
		}
		return false, run.SetLanguage(lang)
	}
	return false, fmt.Errorf("unexpected step %s", run.Step())
}

// ── access ───────────────────────────────────────────────────────────────────

var accessCmd = &cobra.Command{
	Use:   "access [feature]",
	Short: "Check whether your account can open a feature",
	Long: `access without arguments lists every feature and whether the current
session may open it. With a feature name it explains what is missing, and
exits non-zero when access is denied.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			st := a.store.Current()
			if len(args) == 0 {
				return printAccessTable(st)
			}

			f, ok := access.Lookup(args[0])
			if !ok {
				names := make([]string, len(access.Features))
				for i, f := range access.Features {
					names[i] = f.Name
				}
				return fmt.Errorf("unknown feature %q (one of: %s)", args[0], strings.Join(names, ", "))
			}
			d := access.DecideFeature(st, f)
			if d.Verdict == access.Allow {
				fmt.Printf("✓ %s is open\n", f.Label)
				return nil
			}
			fmt.Println(d.Message)
			if next := nextStep(d.Route); next != "" {
				fmt.Printf("Next: %s\n", next)
			}
			return access.Check(d)
		})
	},
}

func printAccessTable(st session.State) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FEATURE\tACCESS\tNEXT")
	for _, f := range access.Features {
		d := access.DecideFeature(st, f)
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Name, d.Verdict, nextStep(d.Route))
	}
	return w.Flush()
}

func nextStep(r access.Route) string {
	switch r {
	case access.RouteSignIn:
		return "kisan signin / kisan phone"
	case access.RouteVerifyContact:
		return "open the confirmation link (kisan signin --resend)"
	case access.RouteOnboarding:
		return "kisan onboard"
	default:
		return ""
	}
}

// ── reward ───────────────────────────────────────────────────────────────────

var rewardCmd = &cobra.Command{
	Use:    "reward <points>",
	Short:  "Credit reward points to your profile",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("points must be a whole number: %w", err)
		}
		return withApp(func(ctx context.Context, a *app) error {
			p, err := a.store.AddPoints(ctx, n)
			if err != nil {
				return err
			}
			fmt.Printf("✓ %d points (level %d)\n", p.Points, p.Level)
			return nil
		})
	},
}
