package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/cockroachdb/errors"
	"github.com/computedrv/gpumem/drm"
	"github.com/computedrv/gpumem/gmm"
	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an allocation workload and print memory manager statistics",
	Long: `Run allocates buffers in every placement the device supports, wraps a host
buffer, round-trips a shared handle through PRIME export and import, prints the memory
manager's json statistics and frees everything again.

Sizes accept human readable values such as 64KiB or 2MiB.`,
	RunE: runWorkload,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int("contexts", 1, "number of os contexts allocations track residency for")
	runCmd.Flags().Int("count", 4, "number of allocations per placement")
	runCmd.Flags().String("size", "64KiB", "size of each allocation")
	runCmd.Flags().String("host-ptr-size", "1MiB", "size of the host buffer wrapped with a host pointer allocation, 0 to skip")
	runCmd.Flags().String("page-size", "4KiB", "host pointer fragment granularity")
	runCmd.Flags().Bool("local-memory", false, "the device has local memory")
	runCmd.Flags().Bool("detailed", false, "list every allocation in the statistics")
	runCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address and hold allocations until interrupted")

	for _, name := range []string{"contexts", "count", "size", "host-ptr-size", "page-size", "local-memory", "detailed", "metrics-addr"} {
		_ = viper.BindPFlag(name, runCmd.Flags().Lookup(name))
	}
}

type workloadConfig struct {
	Device       string
	Contexts     uint32
	Count        int
	Size         int
	HostPtrSize  int
	PageSize     int
	LocalMemory  bool
	Detailed     bool
	MetricsAddr  string
	LoggingLevel slog.Level
}

func loadWorkloadConfig() (workloadConfig, error) {
	config := workloadConfig{
		Device:      viper.GetString("device"),
		Contexts:    viper.GetUint32("contexts"),
		Count:       viper.GetInt("count"),
		LocalMemory: viper.GetBool("local-memory"),
		Detailed:    viper.GetBool("detailed"),
		MetricsAddr: viper.GetString("metrics-addr"),

		LoggingLevel: slog.LevelInfo,
	}
	if viper.GetBool("verbose") {
		config.LoggingLevel = slog.LevelDebug
	}

	sizes := []struct {
		flag   string
		target *int
	}{
		{"size", &config.Size},
		{"host-ptr-size", &config.HostPtrSize},
		{"page-size", &config.PageSize},
	}
	for _, size := range sizes {
		value, err := units.RAMInBytes(viper.GetString(size.flag))
		if err != nil {
			return config, errors.Wrapf(err, "invalid --%s", size.flag)
		}
		*size.target = int(value)
	}

	if config.Size <= 0 {
		return config, errors.Newf("--size must be positive, but was %d", config.Size)
	}
	if config.Count < 0 {
		return config, errors.Newf("--count may not be negative, but was %d", config.Count)
	}

	return config, nil
}

func runWorkload(cmd *cobra.Command, args []string) (err error) {
	config, err := loadWorkloadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: config.LoggingLevel}))

	device, err := drm.Open(config.Device)
	if err != nil {
		return err
	}
	defer device.Release()

	manager, err := gmm.New(logger, device, gmm.CreateOptions{
		OsContextCount:       config.Contexts,
		HostPtrPageSize:      config.PageSize,
		LocalMemorySupported: config.LocalMemory,
	})
	if err != nil {
		return err
	}

	w := &workload{manager: manager, logger: logger}
	defer func() {
		err = errors.CombineErrors(err, w.release(context.Background()))
		err = errors.CombineErrors(err, manager.Destroy())
	}()

	err = w.allocate(config)
	if err != nil {
		return err
	}

	var stats gmm.Statistics
	manager.CalculateStatistics(&stats)
	fmt.Fprintf(os.Stderr, "%d allocations covering %s in %d buffer objects (%s)\n",
		stats.Total.AllocationCount, units.BytesSize(float64(stats.Total.AllocationBytes)),
		stats.BufferObjects.BlockCount, units.BytesSize(float64(stats.BufferObjects.BlockBytes)))

	fmt.Println(manager.BuildStatsString(config.Detailed))

	if config.MetricsAddr != "" {
		return serveMetrics(cmd.Context(), config.MetricsAddr, manager, logger)
	}

	return nil
}

func serveMetrics(ctx context.Context, addr string, manager *gmm.MemoryManager, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	err := registry.Register(manager.Collector())
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	logger.Info("serving metrics", slog.String("addr", addr))
	err = server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
