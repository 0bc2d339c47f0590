package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"comicfeed/pkg/logger"
)

const measurement = "provider_request"

// pointWriter api.WriteAPI 中用到的部分
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// InfluxConfig InfluxDB 连接参数
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxObserver 把请求结果写入 InfluxDB，写入是异步批量的
type InfluxObserver struct {
	client influxdb2.Client
	writer pointWriter
	log    *logrus.Entry
}

// NewInfluxObserver 连接 InfluxDB 并检查健康状态
func NewInfluxObserver(ctx context.Context, cfg InfluxConfig) (*InfluxObserver, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", health.Status)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	o := &InfluxObserver{
		client: client,
		writer: writeAPI,
		log:    logger.WithComponent("InfluxObserver"),
	}
	go func() {
		for err := range writeAPI.Errors() {
			o.log.WithError(err).Warn("failed to write telemetry point")
		}
	}()
	return o, nil
}

func newInfluxObserverWithWriter(w pointWriter) *InfluxObserver {
	return &InfluxObserver{writer: w, log: logger.WithComponent("InfluxObserver")}
}

// Observe 写入一个数据点
func (o *InfluxObserver) Observe(out Outcome) {
	ts := out.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	outcome := "success"
	if !out.Success() {
		outcome = string(out.Kind)
	}

	point := influxdb2.NewPointWithMeasurement(measurement).
		AddTag("provider", out.Provider).
		AddTag("endpoint", out.Class).
		AddTag("outcome", outcome).
		AddTag("cache_hit", fmt.Sprintf("%t", out.CacheHit)).
		AddField("status", out.Status).
		AddField("attempt", out.Attempt).
		AddField("latency_ms", out.Latency.Milliseconds()).
		AddField("request_id", out.RequestID).
		SetTime(ts)

	o.writer.WritePoint(point)
}

// Close 刷新缓冲并关闭连接
func (o *InfluxObserver) Close() {
	o.writer.Flush()
	if o.client != nil {
		o.client.Close()
	}
}
