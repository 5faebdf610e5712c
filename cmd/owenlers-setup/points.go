package main

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tejusbharadwaj/owenlers/internal/config"
	"github.com/tejusbharadwaj/owenlers/internal/regroup"
)

// pointFlags collects repeated -point flags.
type pointFlags []config.MeasurePoint

func (p *pointFlags) String() string {
	ids := make([]string, 0, len(*p))
	for _, mp := range *p {
		ids = append(ids, mp.ID)
	}
	return strings.Join(ids, ",")
}

func (p *pointFlags) Set(value string) error {
	mp, err := parsePoint(value)
	if err != nil {
		return err
	}
	*p = append(*p, mp)
	return nil
}

// parsePoint reads "M1=P1:flow,P2:temp".
func parsePoint(value string) (config.MeasurePoint, error) {
	id, routes, ok := strings.Cut(value, "=")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return config.MeasurePoint{}, fmt.Errorf("point %q: want ID=PARAM:NAME[,PARAM:NAME]", value)
	}

	mp := config.MeasurePoint{ID: id}
	for _, route := range strings.Split(routes, ",") {
		source, name, ok := strings.Cut(strings.TrimSpace(route), ":")
		source, name = strings.TrimSpace(source), strings.TrimSpace(name)
		if !ok || source == "" || name == "" {
			return config.MeasurePoint{}, fmt.Errorf("point %q: bad route %q", id, route)
		}
		mp.Parameters = append(mp.Parameters, config.ParameterRoute{SourceID: source, DataParameter: name})
	}
	return mp, nil
}

// skeleton builds a config with secrets left as environment references.
func skeleton(serverURL string, interval int, points []config.MeasurePoint) config.Config {
	return config.Config{
		Source: config.SourceConfig{
			Login:    "${OWEN_LOGIN}",
			Password: "${OWEN_PASSWORD}",
		},
		Sink: config.SinkConfig{
			ServerURL: serverURL,
			Token:     "${LERS_TOKEN}",
		},
		Sync: config.SyncConfig{
			SendInterval: interval,
			Delivery:     string(regroup.AtMostOnce),
		},
		MeasurePoints: points,
		Logging:       config.LoggingConfig{Level: "info", Format: "json"},
	}
}

func writeSkeleton(w io.Writer, cfg config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
