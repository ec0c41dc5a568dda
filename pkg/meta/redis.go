// pkg/meta/redis.go

package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

/*
	Snapshot catalog in Redis:

	allSnapshots: {id -> created} (sorted set, score is the creation time in nanoseconds)
	snapshotInfos: {id -> info json} (hash)
*/

const (
	allSnapshots  = "allSnapshots"
	snapshotInfos = "snapshotInfos"
)

const defaultSentinelPort = "26379"

type redisCatalog struct {
	name   string
	prefix string
	rdb    *redis.Client
}

func init() {
	Register("redis", newRedisCatalog)
	Register("rediss", newRedisCatalog)
}

// sentinelAddrs splits an address of the form master,sentinel1,sentinel2:port into the
// master name and the sentinel addresses, defaulting their port.
func sentinelAddrs(addr string) (string, []string) {
	ps := strings.Split(addr, ",")
	addrs := ps[1:]
	for i, saddr := range addrs {
		h, p, err := net.SplitHostPort(saddr)
		if err != nil {
			// If SplitHostPort fails, assume it's just a host and add the default port
			addrs[i] = net.JoinHostPort(saddr, defaultSentinelPort)
		} else if p == "" {
			addrs[i] = net.JoinHostPort(h, defaultSentinelPort)
		}
	}
	return ps[0], addrs
}

func newRedisCatalog(driver, addr string, conf *Config) (Catalog, error) {
	url := driver + "://" + addr
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %s", url, err)
	}

	var rdb *redis.Client
	if strings.Contains(opt.Addr, ",") {
		var fopt redis.FailoverOptions
		fopt.MasterName, fopt.SentinelAddrs = sentinelAddrs(opt.Addr)
		fopt.Username = opt.Username
		fopt.Password = opt.Password
		if fopt.Password == "" && os.Getenv("REDIS_PASSWORD") != "" {
			fopt.Password = os.Getenv("REDIS_PASSWORD")
		}
		fopt.SentinelPassword = os.Getenv("SENTINEL_PASSWORD")
		fopt.DB = opt.DB
		fopt.TLSConfig = opt.TLSConfig
		fopt.MaxRetries = conf.Retries
		fopt.MinRetryBackoff = time.Millisecond * 100
		fopt.MaxRetryBackoff = time.Minute * 1
		fopt.ReadTimeout = time.Second * 30
		fopt.WriteTimeout = time.Second * 5
		rdb = redis.NewFailoverClient(&fopt)
	} else {
		if opt.Password == "" && os.Getenv("REDIS_PASSWORD") != "" {
			opt.Password = os.Getenv("REDIS_PASSWORD")
		}
		opt.MaxRetries = conf.Retries
		opt.MinRetryBackoff = time.Millisecond * 100
		opt.MaxRetryBackoff = time.Minute * 1
		opt.ReadTimeout = time.Second * 30
		opt.WriteTimeout = time.Second * 5
		rdb = redis.NewClient(opt)
	}
	return &redisCatalog{name: url, prefix: conf.Prefix, rdb: rdb}, nil
}

func (r *redisCatalog) Name() string {
	return r.name
}

func (r *redisCatalog) key(k string) string {
	return r.prefix + k
}

func (r *redisCatalog) Record(ctx context.Context, info *Info) error {
	prepare(info)
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("json: %s", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key(snapshotInfos), info.ID, data)
		pipe.ZAdd(ctx, r.key(allSnapshots), redis.Z{Score: float64(info.Created.UnixNano()), Member: info.ID})
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "record snapshot %s", info.ID)
	}
	logger.Debugf("recorded snapshot %s at %s", info.ID, info.Path)
	return nil
}

func decodeInfo(id string, data []byte) (*Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("corrupted snapshot info %s; json error: %s", id, err)
	}
	return &info, nil
}

func (r *redisCatalog) Get(ctx context.Context, id string) (*Info, error) {
	data, err := r.rdb.HGet(ctx, r.key(snapshotInfos), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(ErrNotFound, "%s", id)
	} else if err != nil {
		return nil, fmt.Errorf("HGet %s %s: %s", snapshotInfos, id, err)
	}
	return decodeInfo(id, data)
}

func (r *redisCatalog) List(ctx context.Context) ([]*Info, error) {
	ids, err := r.rdb.ZRange(ctx, r.key(allSnapshots), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("ZRange %s: %s", allSnapshots, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := r.rdb.HMGet(ctx, r.key(snapshotInfos), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("HMGet %s: %s", snapshotInfos, err)
	}
	infos := make([]*Info, 0, len(ids))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			logger.Warnf("snapshot %s has no info", ids[i])
			continue
		}
		info, err := decodeInfo(ids[i], []byte(s))
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}
