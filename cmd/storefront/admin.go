package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"storefront/internal/auth"
	"storefront/internal/catalog"
)

func retryNotificationsCmd() *cobra.Command {
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "retry-notifications",
		Short: "Re-send emails recorded in the failed notification ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.storeNow(); err != nil {
				return err
			}
			ctx, cancel := withTimeout(10 * time.Minute)
			defer cancel()
			sum, err := a.dispatcher().RetryFailed(ctx, a.orders, maxAttempts)
			if err != nil {
				return err
			}
			fmt.Printf("attempted=%d resolved=%d failed=%d skipped=%d\n", sum.Attempted, sum.Resolved, sum.Failed, sum.Skipped)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "skip entries already retried this many times (0: no limit)")
	return cmd
}

func grantAdminCmd() *cobra.Command {
	var email string
	var tokenTTL time.Duration
	cmd := &cobra.Command{
		Use:   "grant-admin [uid]",
		Short: "Create admins/{uid} and print a bearer token for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := withTimeout(time.Minute)
			defer cancel()
			uid := args[0]
			if err := a.orders.GrantAdmin(ctx, uid, email); err != nil {
				return err
			}
			fmt.Printf("admin granted uid=%s\n", uid)
			if a.cfg.AdminJWTSecret == "" || tokenTTL <= 0 {
				return nil
			}
			now := time.Now()
			tok, err := auth.NewVerifier(a.cfg.AdminJWTSecret, nil).Sign(uid, jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			})
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email address")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 12*time.Hour, "lifetime of the printed token (0: no token)")
	return cmd
}

func checkCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-catalog [id...]",
		Short: "Load the catalog and show how identifiers resolve",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			cat, err := catalog.LoadDir(a.cfg.CatalogDir)
			if err != nil {
				return err
			}
			fmt.Printf("products=%d\n", cat.Len())
			for _, id := range args {
				res, err := cat.Resolve(id)
				if err != nil {
					fmt.Printf("%-40s not found\n", id)
					continue
				}
				variant := "-"
				if res.Variant != nil {
					variant = res.Variant.ID
				}
				fmt.Printf("%-40s product=%s variant=%s strategy=%s\n", id, res.Product.ID, variant, res.Strategy)
			}
			return nil
		},
	}
	return cmd
}
