package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strconv"
	"time"

	"github.com/agentuity/respcache/logger"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

// GenerateOTLPBearerToken signs token with sharedSecret as token.base64(sha256(secret.token)).
func GenerateOTLPBearerToken(sharedSecret string, token string) (string, error) {
	hash := sha256.New()
	if _, err := hash.Write([]byte(sharedSecret + "." + token)); err != nil {
		return "", errors.Wrap(err, "error hashing token")
	}
	return token + "." + base64.StdEncoding.EncodeToString(hash.Sum(nil)), nil
}

// GenerateOTLPBearerTokenWithExpiration signs a token of the form
// <duration>.<issued unix seconds> that the collector rejects once expired.
func GenerateOTLPBearerTokenWithExpiration(sharedSecret string, expiration time.Time) (string, error) {
	now := time.Now()
	if !expiration.After(now) {
		return "", errors.New("expiration time is in the past")
	}
	ttl := str2duration.String(expiration.Sub(now).Round(time.Minute))
	return GenerateOTLPBearerToken(sharedSecret, ttl+"."+strconv.FormatInt(now.Unix(), 10))
}

// Config selects where traces go.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// URL is the OTLP/HTTP collector base URL. Empty disables exporting.
	URL string
	// SharedSecret, when set, is used to sign a bearer token for the collector.
	SharedSecret string
}

type ShutdownFunc func()

// New installs the global tracer provider and propagator. When cfg.URL is
// empty spans are still created (so trace ids reach the logs) but nothing is
// exported.
func New(ctx context.Context, cfg Config, log logger.Logger) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if cfg.URL == "" {
		log.Debug("no otlp url configured, traces are not exported")
		return func() {}, nil
	}

	otlpURL, err := url.Parse(cfg.URL)
	if err != nil || otlpURL.Host == "" {
		if err == nil {
			err = errors.Newf("missing host in %q", cfg.URL)
		}
		return nil, errors.Wrap(err, "error parsing otlp url")
	}
	otlpURL.Path = "/v1/traces"

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName), semconv.ServiceVersion(cfg.ServiceVersion)),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		log.Warn("partial otel resource: %s", err)
	} else if err != nil {
		return nil, errors.Wrap(err, "error creating resource")
	}

	headers := make(map[string]string)
	if cfg.SharedSecret != "" {
		token, err := GenerateOTLPBearerTokenWithExpiration(cfg.SharedSecret, time.Now().Add(365*24*time.Hour))
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = "Bearer " + token
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(otlpURL.String()),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(10 * time.Second),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if otlpURL.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "error creating trace exporter")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	log.Info("exporting traces to %s", otlpURL.String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			log.Error("error shutting down tracer provider: %s", err)
		}
	}, nil
}

// StartSpan starts a span and returns a logger carrying its trace id.
func StartSpan(ctx context.Context, log logger.Logger, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, logger.Logger, trace.Span) {
	ctx, span := tracer.Start(ctx, name, opts...)
	return ctx, log.WithContext(ctx), span
}
