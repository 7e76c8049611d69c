package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/krishisetu/krishisetu/internal/auth"
	"github.com/krishisetu/krishisetu/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ── signup ───────────────────────────────────────────────────────────────────

var (
	signupEmail string
	signupName  string
)

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an email/password account",
	Long: `signup creates an account and mails a confirmation link. You can sign
in right away, but features stay locked until the link is opened.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			email := signupEmail
			if email == "" {
				email = a.prompt("Email", "")
			}
			name := signupName
			if name == "" {
				name = a.prompt("Your name", "")
			}
			password := a.promptSecret("Password (min 6 characters)")
			confirm := a.promptSecret("Confirm password")

			creds := auth.NewCredentialAuthenticator(a.gw, a.store, a.logger)
			ident, err := creds.Register(ctx, email, password, name, auth.WithConfirmation(confirm))
			if err != nil {
				return describe(err)
			}

			fmt.Printf("✓ Account created for %s\n\n", ident.Email)
			fmt.Println("Check your inbox and open the confirmation link, then run:")
			fmt.Println("  kisan signin")
			return nil
		})
	},
}

func init() {
	signupCmd.Flags().StringVar(&signupEmail, "email", "", "email address")
	signupCmd.Flags().StringVar(&signupName, "name", "", "display name for your farm profile")
}

// ── signin ───────────────────────────────────────────────────────────────────

var (
	signinEmail  string
	signinResend bool
)

var signinCmd = &cobra.Command{
	Use:   "signin",
	Short: "Sign in with email and password",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			email := signinEmail
			if email == "" {
				email = a.prompt("Email", "")
			}
			creds := auth.NewCredentialAuthenticator(a.gw, a.store, a.logger)

			if signinResend {
				if err := creds.ResendConfirmation(ctx, email); err != nil {
					return describe(err)
				}
				fmt.Println("If that address is waiting for confirmation, a new link is on its way.")
				return nil
			}

			st, err := creds.SignIn(ctx, email, a.promptSecret("Password"))
			if errors.Is(err, auth.ErrVerificationPending) {
				fmt.Println("Signed in, but your email is not confirmed yet.")
				fmt.Println("Open the link we sent you, or run: kisan signin --resend")
				return nil
			}
			if err != nil {
				return describe(err)
			}
			printWelcome(st)
			return nil
		})
	},
}

func init() {
	signinCmd.Flags().StringVar(&signinEmail, "email", "", "email address")
	signinCmd.Flags().BoolVar(&signinResend, "resend", false, "send a new confirmation link instead of signing in")
}

// ── phone ────────────────────────────────────────────────────────────────────

var phoneCmd = &cobra.Command{
	Use:   "phone [number]",
	Short: "Sign in (or sign up) with a one-time code sent by SMS",
	Long: `phone texts a one-time code to your 10-digit mobile number and asks for
it. Enter "r" at the code prompt to have a new code sent. First-time numbers
get a new account.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			number := ""
			if len(args) == 1 {
				number = args[0]
			} else {
				number = a.prompt("Mobile number", "")
			}

			otp := auth.NewOtpAuthenticator(a.gw, a.store, auth.OtpConfig{
				PhonePrefix: viper.GetString("phone_prefix"),
			}, a.logger)

			ch, err := otp.RequestCode(ctx, number)
			if err != nil {
				return describe(err)
			}
			fmt.Printf("Code sent to %s\n", ch.Phone)

			for {
				code := a.prompt(fmt.Sprintf("Enter the %d-digit code (r to resend)", ch.CodeLength), "")
				if strings.EqualFold(code, "r") {
					if ch, err = otp.RequestCode(ctx, ch.Phone); err != nil {
						return describe(err)
					}
					fmt.Printf("New code sent to %s\n", ch.Phone)
					continue
				}

				st, err := otp.VerifyCode(ctx, code)
				switch {
				case err == nil:
					printWelcome(st)
					return nil
				case errors.Is(err, auth.ErrMalformedCode), errors.Is(err, auth.ErrInvalidCode):
					fmt.Println(describe(err))
				default:
					return describe(err)
				}
			}
		})
	},
}

// ── confirm ──────────────────────────────────────────────────────────────────

var confirmCmd = &cobra.Command{
	Use:   "confirm <token>",
	Short: "Confirm an email address with the token from the link",
	Long: `confirm does what opening the confirmation link does. It is handy with a
development gateway that logs mail instead of sending it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			ident, err := a.gw.ConfirmEmail(ctx, args[0])
			if err != nil {
				return fmt.Errorf("confirm email: %w", err)
			}
			fmt.Printf("✓ %s confirmed\n", ident.Email)

			// A signed-in session picks up the confirmation on the next lookup.
			if err := a.store.Resume(ctx); err != nil {
				return err
			}
			if a.store.Current().Status == session.Active {
				printWelcome(a.store.Current())
			}
			return nil
		})
	},
}

// ── signout ──────────────────────────────────────────────────────────────────

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "End the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			a.store.SignOut(ctx)
			fmt.Println("Signed out.")
			return nil
		})
	},
}

// describe turns an authenticator error into the message shown to the user.
func describe(err error) error {
	var aerr *auth.Error
	if errors.As(err, &aerr) {
		return errors.New(aerr.Message)
	}
	return err
}

func printWelcome(st session.State) {
	if st.Status != session.Active || st.Identity == nil {
		fmt.Printf("Session: %s\n", st.Status)
		return
	}
	name := st.Identity.Email
	if st.Profile != nil && st.Profile.DisplayName != "" {
		name = st.Profile.DisplayName
	} else if name == "" {
		name = st.Identity.Phone
	}
	fmt.Printf("✓ Namaste, %s\n", name)
	if !st.ProfileComplete() {
		fmt.Println("\nYour farm profile is not finished yet. Run: kisan onboard")
	}
}
