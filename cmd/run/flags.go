package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/recollect/recollect/cmd/util"
)

const (
	environmentFlag = "environment"

	datastoreEngineFlag          = "datastore-engine"
	datastoreURIFlag             = "datastore-uri"
	datastoreUsernameFlag        = "datastore-username"
	datastorePasswordFlag        = "datastore-password"
	datastoreMaxOpenConnsFlag    = "datastore-max-open-conns"
	datastoreMaxIdleConnsFlag    = "datastore-max-idle-conns"
	datastoreConnMaxIdleTimeFlag = "datastore-conn-max-idle-time"
	datastoreConnMaxLifetimeFlag = "datastore-conn-max-lifetime"
	datastoreMetricsFlag         = "datastore-metrics"

	redisAddrFlag              = "redis-addr"
	redisPasswordFlag          = "redis-password"
	redisDBFlag                = "redis-db"
	redisRecordTTLFlag         = "redis-record-ttl"
	redisProcessingTimeoutFlag = "redis-processing-timeout"

	queueURLFlag         = "queue-url"
	queueTaskPrefixFlag  = "queue-task-prefix"
	queueResultQueueFlag = "queue-result-queue"

	enrichmentShardsFlag         = "enrichment-shards"
	enrichmentStaleTimeoutFlag   = "enrichment-stale-timeout"
	enrichmentSweepIntervalFlag  = "enrichment-sweep-interval"
	enrichmentSweepBatchSizeFlag = "enrichment-sweep-batch-size"
	enrichmentStalePolicyFlag    = "enrichment-stale-policy"

	logFormatFlag = "log-format"
	logLevelFlag  = "log-level"

	metricsEnabledFlag = "metrics-enabled"
	metricsAddrFlag    = "metrics-addr"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value
// being managed by viper. This bridges the config between cobra flags and
// viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(*cobra.Command, []string) {
		util.MustBindPFlag(environmentFlag, flags.Lookup(environmentFlag))

		util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
		util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
		util.MustBindPFlag(datastoreUsernameFlag, flags.Lookup(datastoreUsernameFlag))
		util.MustBindPFlag(datastorePasswordFlag, flags.Lookup(datastorePasswordFlag))
		util.MustBindPFlag(datastoreMaxOpenConnsFlag, flags.Lookup(datastoreMaxOpenConnsFlag))
		util.MustBindPFlag(datastoreMaxIdleConnsFlag, flags.Lookup(datastoreMaxIdleConnsFlag))
		util.MustBindPFlag(datastoreConnMaxIdleTimeFlag, flags.Lookup(datastoreConnMaxIdleTimeFlag))
		util.MustBindPFlag(datastoreConnMaxLifetimeFlag, flags.Lookup(datastoreConnMaxLifetimeFlag))
		util.MustBindPFlag(datastoreMetricsFlag, flags.Lookup(datastoreMetricsFlag))

		util.MustBindPFlag(redisAddrFlag, flags.Lookup(redisAddrFlag))
		util.MustBindPFlag(redisPasswordFlag, flags.Lookup(redisPasswordFlag))
		util.MustBindPFlag(redisDBFlag, flags.Lookup(redisDBFlag))
		util.MustBindPFlag(redisRecordTTLFlag, flags.Lookup(redisRecordTTLFlag))
		util.MustBindPFlag(redisProcessingTimeoutFlag, flags.Lookup(redisProcessingTimeoutFlag))

		util.MustBindPFlag(queueURLFlag, flags.Lookup(queueURLFlag))
		util.MustBindPFlag(queueTaskPrefixFlag, flags.Lookup(queueTaskPrefixFlag))
		util.MustBindPFlag(queueResultQueueFlag, flags.Lookup(queueResultQueueFlag))

		util.MustBindPFlag(enrichmentShardsFlag, flags.Lookup(enrichmentShardsFlag))
		util.MustBindPFlag(enrichmentStaleTimeoutFlag, flags.Lookup(enrichmentStaleTimeoutFlag))
		util.MustBindPFlag(enrichmentSweepIntervalFlag, flags.Lookup(enrichmentSweepIntervalFlag))
		util.MustBindPFlag(enrichmentSweepBatchSizeFlag, flags.Lookup(enrichmentSweepBatchSizeFlag))
		util.MustBindPFlag(enrichmentStalePolicyFlag, flags.Lookup(enrichmentStalePolicyFlag))

		util.MustBindPFlag(logFormatFlag, flags.Lookup(logFormatFlag))
		util.MustBindPFlag(logLevelFlag, flags.Lookup(logLevelFlag))

		util.MustBindPFlag(metricsEnabledFlag, flags.Lookup(metricsEnabledFlag))
		util.MustBindPFlag(metricsAddrFlag, flags.Lookup(metricsAddrFlag))
	}
}
