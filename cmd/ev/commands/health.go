package commands

import (
	"fmt"

	"extvault/pkg/client"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

var healthJSON bool

var healthCmd = &cobra.Command{
	Use:   "health [service...]",
	Short: "Query the admin health endpoint (services: pdf, txt, zip)",
	Long: `Without arguments checks the server process itself. With class names
checks whether the gateway can reach those storage nodes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := viper.GetString("admin.addr")
		if addr == "" {
			return fmt.Errorf("admin.addr is not configured")
		}
		if len(args) == 0 {
			args = []string{""}
		}

		ctx, cancel := commandContext(cmd.Context())
		defer cancel()

		out := cmd.OutOrStdout()
		unhealthy := 0
		for _, svc := range args {
			name := svc
			if name == "" {
				name = "server"
			}
			st, err := client.CheckHealth(ctx, addr, svc)
			if err == nil && healthJSON {
				// 与 grpc_health_probe / grpcurl 的输出格式一致
				b, merr := protojson.Marshal(&healthpb.HealthCheckResponse{Status: st})
				if merr != nil {
					return merr
				}
				fmt.Fprintf(out, "{\"service\":%q,\"response\":%s}\n", name, b)
				if st != healthpb.HealthCheckResponse_SERVING {
					unhealthy++
				}
				continue
			}
			switch {
			case err != nil:
				fmt.Fprintf(out, "❌ %s: %v\n", name, err)
				unhealthy++
			case st == healthpb.HealthCheckResponse_SERVING:
				fmt.Fprintf(out, "✅ %s: %s\n", name, st)
			default:
				fmt.Fprintf(out, "⚠️  %s: %s\n", name, st)
				unhealthy++
			}
		}
		if unhealthy > 0 {
			return fmt.Errorf("%d service(s) not serving", unhealthy)
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().String("admin", "", "admin gRPC address")
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "print one JSON object per service")
	if err := viper.BindPFlag("admin.addr", healthCmd.Flags().Lookup("admin")); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(healthCmd)
}
