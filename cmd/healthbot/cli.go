package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/healthbot/portal/internal/domain/chat"
	"github.com/healthbot/portal/internal/domain/reports"
	"github.com/healthbot/portal/internal/domain/session"
	"github.com/healthbot/portal/internal/domain/upload"
	"github.com/healthbot/portal/internal/platform/apiclient"
)

// errNotLoggedIn is returned by commands that need a stored session.
var errNotLoggedIn = errors.New("not logged in: run `healthbot login` first")

func requireLogin(cmd *cobra.Command, a *app) (*session.AuthSession, error) {
	sess, err := a.sessions.Hydrate(cmd.Context())
	if errors.Is(err, session.ErrNoSession) {
		return nil, errNotLoggedIn
	}
	return sess, err
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describe renders backend errors the way the portal shows them.
func describe(err error) error {
	var ve *apiclient.ValidationError
	var ae *apiclient.APIError
	var ne *apiclient.NetworkError
	switch {
	case errors.Is(err, chat.ErrNoContext):
		return errors.New(chat.NoContextMessage)
	case errors.Is(err, chat.ErrFailed):
		return errors.New(chat.GenericError)
	case errors.Is(err, chat.ErrProcess):
		return errors.New(chat.ProcessFailed)
	case errors.Is(err, chat.ErrContext):
		return errors.New(chat.ContextFailed)
	case errors.As(err, &ve):
		return errors.New(ve.Message)
	case errors.As(err, &ae):
		return fmt.Errorf("%s (HTTP %d)", ae.Message, ae.Status)
	case errors.As(err, &ne):
		return fmt.Errorf("backend unreachable: %v", ne.Err)
	}
	return err
}

// -- Session --

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				password = os.Getenv("HEALTHBOT_PASSWORD")
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.sessions.Login(cmd.Context(), email, password)
			if err != nil {
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s. Next: %s\n", roleName(out.Role), out.Redirect)
			return nil
		},
	}
	cmd.Flags().String("email", "", "account email")
	cmd.Flags().String("password", "", "account password (or HEALTHBOT_PASSWORD)")
	return cmd
}

func registerCmd() *cobra.Command {
	var p apiclient.RegisterPayload
	var experience int
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("experience") {
				p.Experience = &experience
			}
			if p.Password == "" {
				p.Password = os.Getenv("HEALTHBOT_PASSWORD")
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.sessions.Register(cmd.Context(), p)
			if err != nil {
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered as %s. Next: %s\n", roleName(out.Role), out.Redirect)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.Name, "name", "", "full name")
	cmd.Flags().StringVar(&p.Email, "email", "", "account email")
	cmd.Flags().StringVar(&p.Password, "password", "", "account password (or HEALTHBOT_PASSWORD)")
	cmd.Flags().StringVar(&p.Role, "role", "", "patient or doctor (default patient)")
	cmd.Flags().StringVar(&p.Speciality, "speciality", "", "doctor speciality")
	cmd.Flags().StringVar(&p.ClinicName, "clinic", "", "doctor clinic name")
	cmd.Flags().IntVar(&experience, "experience", 0, "doctor years of experience")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.sessions.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := requireLogin(cmd, a)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"role":     sess.Role,
				"state":    a.sessions.State(),
				"redirect": session.RedirectPath(sess.Role),
				"user":     sess.User,
			})
		},
	}
}

func roleName(r session.Role) string {
	if r == session.RoleUnknown {
		return "user (role unknown)"
	}
	return string(r)
}

// -- Reports --

func reportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports <patient-id>",
		Short: "List a patient's reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			showContext, _ := cmd.Flags().GetBool("context")
			share, _ := cmd.Flags().GetBool("share")

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := requireLogin(cmd, a); err != nil {
				return err
			}

			svc := reports.NewService(a.client)
			items, err := svc.List(cmd.Context(), args[0])
			if err != nil {
				return describe(err)
			}
			out := cmd.OutOrStdout()
			printReports(out, items)

			if showContext {
				if err := printJSON(out, reports.Merge(items)); err != nil {
					return err
				}
			}
			if share {
				link, err := svc.Share(cmd.Context(), args[0])
				if err != nil {
					return describe(err)
				}
				fmt.Fprintf(out, "Share link: %s (expires %s)\n", link.ShareURL, link.ExpiresAt)
			}
			return nil
		},
	}
	cmd.Flags().Bool("context", false, "also print the merged report context")
	cmd.Flags().Bool("share", false, "create a doctor share link")
	return cmd
}

func printReports(out io.Writer, items []reports.Report) {
	if len(items) == 0 {
		fmt.Fprintln(out, "No reports.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tTYPE\tCREATED\tSUMMARY")
	for _, r := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Filename, r.DocType, r.CreatedAt, firstLine(r.Summary, 60))
	}
	tw.Flush()
}

func firstLine(s string, max int) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	if r := []rune(s); len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

// -- Upload --

func uploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <patient-id> <file>...",
		Short: "Upload report files for a patient",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, _ := cmd.Flags().GetString("date")
			docType, _ := cmd.Flags().GetString("doc-type")
			batch, _ := cmd.Flags().GetBool("batch")

			files := make([]apiclient.File, 0, len(args)-1)
			for _, path := range args[1:] {
				f, err := apiclient.FileFromPath(path)
				if err != nil {
					return err
				}
				files = append(files, f)
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := requireLogin(cmd, a); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			coord := upload.NewCoordinator(a.client, args[0],
				upload.WithLogger(a.logger),
				upload.WithObserver(progressPrinter(out)),
			)
			coord.AddFiles(files...)

			form := upload.NewForm(date, docType, a.cfg.DefaultDocType, time.Now())
			if batch {
				err = coord.UploadBatch(cmd.Context(), form)
			} else {
				err = coord.UploadAll(cmd.Context(), form)
			}
			if err != nil {
				var be *upload.BatchError
				if errors.As(err, &be) {
					return fmt.Errorf("upload failed: %w", describe(be.Err))
				}
				return describe(err)
			}
			fmt.Fprintln(out, "All uploads complete.")
			return nil
		},
	}
	cmd.Flags().String("date", "", "report date YYYY-MM-DD (default today)")
	cmd.Flags().String("doc-type", "", "document type (default from DEFAULT_DOC_TYPE)")
	cmd.Flags().Bool("batch", false, "send all files in one request")
	return cmd
}

// progressPrinter prints a line per status change and per 25% step.
func progressPrinter(out io.Writer) func(upload.Event) {
	last := map[string]string{}
	return func(ev upload.Event) {
		key := fmt.Sprintf("%s/%d", ev.Status, ev.Progress/25)
		if last[ev.TaskID] == key {
			return
		}
		last[ev.TaskID] = key
		fmt.Fprintf(out, "%-30s %3d%% %s\n", ev.Filename, ev.Progress, ev.Status)
	}
}

// -- Chat --

func askCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the doctor bot about a patient, a shared visit or a report file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetString("patient")
			token, _ := cmd.Flags().GetString("token")
			file, _ := cmd.Flags().GetString("file")
			req := chat.AskRequest{Question: strings.Join(args, " "), PatientID: patientID, Token: token}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if token == "" {
				if _, err := requireLogin(cmd, a); err != nil {
					return err
				}
			}

			svc := chat.NewService(a.client, reports.NewService(a.client), a.logger)
			if file != "" {
				f, err := apiclient.FileFromPath(file)
				if err != nil {
					return err
				}
				if _, err := svc.ProcessReport(cmd.Context(), f); err != nil {
					return describe(err)
				}
			}

			answer, _, err := svc.Ask(cmd.Context(), req)
			if err != nil {
				return describe(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
	cmd.Flags().String("patient", "", "ask over a patient's merged reports")
	cmd.Flags().String("token", "", "ask over a doctor share-link visit")
	cmd.Flags().String("file", "", "process a single report file and ask over it")
	return cmd
}
