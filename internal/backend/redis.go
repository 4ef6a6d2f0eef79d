package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/llmlimiter/internal/config"
	"github.com/oriys/llmlimiter/internal/domain"
	"github.com/oriys/llmlimiter/internal/logging"
)

// recomputeAllocationsLua is shared by every script that needs to rebuild
// the cluster-wide allocation after the instance set changes (register,
// unregister, cleanup). It implements the formula of spec §4.J:
// pool[M].totalSlots = floor((capacityInLimitingDimension / avgEstimatedResource) / instanceCount),
// where the limiting dimension is whichever of the model's configured
// TPM/RPM/TPD/RPD/maxConcurrentRequests admits the fewest jobs once divided
// by its avgEstimatedResource: the mean per-job-type token estimate for the
// token dimensions, the mean request estimate for the others.
const recomputeAllocationsLua = `
local function recompute_allocations(model_caps_json, job_res_json, instance_count)
  local caps = cjson.decode(model_caps_json)
  local jobres = cjson.decode(job_res_json)

  local avg_tokens_sum, avg_tokens_n = 0, 0
  local avg_requests_sum, avg_requests_n = 0, 0
  for _, jt in pairs(jobres) do
    if jt.estimated_used_tokens and jt.estimated_used_tokens > 0 then
      avg_tokens_sum = avg_tokens_sum + jt.estimated_used_tokens
      avg_tokens_n = avg_tokens_n + 1
    end
    if jt.estimated_number_of_requests and jt.estimated_number_of_requests > 0 then
      avg_requests_sum = avg_requests_sum + jt.estimated_number_of_requests
      avg_requests_n = avg_requests_n + 1
    end
  end
  local avg_tokens = avg_tokens_n > 0 and (avg_tokens_sum / avg_tokens_n) or 1
  local avg_requests = avg_requests_n > 0 and (avg_requests_sum / avg_requests_n) or 1

  local function per_instance(v)
    if v == nil or instance_count <= 0 then return 0 end
    return math.floor(v / instance_count)
  end

  local pools = {}
  for model_id, limits in pairs(caps) do
    local limiting = nil
    local limiting_is_request = false
    local limiting_jobs = nil
    local function consider(v, is_request)
      local jobs = v and v / (is_request and avg_requests or avg_tokens)
      if jobs ~= nil and (limiting_jobs == nil or jobs < limiting_jobs) then
        limiting = v
        limiting_jobs = jobs
        limiting_is_request = is_request
      end
    end
    consider(limits.tokens_per_minute, false)
    consider(limits.requests_per_minute, true)
    consider(limits.tokens_per_day, false)
    consider(limits.requests_per_day, true)
    consider(limits.max_concurrent_requests, true)

    local total_slots = 0
    if limiting ~= nil and instance_count > 0 then
      local avg_estimate = limiting_is_request and avg_requests or avg_tokens
      if avg_estimate > 0 then
        total_slots = math.floor((limiting / avg_estimate) / instance_count)
      end
    end

    pools[model_id] = {
      total_slots = total_slots,
      tokens_per_minute = per_instance(limits.tokens_per_minute),
      requests_per_minute = per_instance(limits.requests_per_minute),
      tokens_per_day = per_instance(limits.tokens_per_day),
      requests_per_day = per_instance(limits.requests_per_day),
    }
  end

  return { instance_count = instance_count, pools = pools }
end
`

// registerScript upserts the caller's heartbeat, recomputes the cluster
// allocation, writes it for every live instance, and publishes one message
// per instance on the shared channel.
//
// KEYS: 1=instances 2=allocations 3=modelCapacities 4=jobTypeResources 5=channel
// ARGV: 1=instanceId 2=nowMs
var registerScript = redis.NewScript(recomputeAllocationsLua + `
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
local instance_count = redis.call("HLEN", KEYS[1])
local model_caps_json = redis.call("GET", KEYS[3]) or "{}"
local job_res_json = redis.call("GET", KEYS[4]) or "{}"

local allocation = recompute_allocations(model_caps_json, job_res_json, instance_count)
local encoded = cjson.encode(allocation)

local ids = redis.call("HKEYS", KEYS[1])
for _, id in ipairs(ids) do
  redis.call("HSET", KEYS[2], id, encoded)
  redis.call("PUBLISH", KEYS[5], cjson.encode({instanceId = id, allocation = allocation}))
end
return encoded
`)

// unregisterScript removes an instance and recomputes for the rest.
//
// KEYS: 1=instances 2=allocations 3=modelCapacities 4=jobTypeResources 5=channel
// ARGV: 1=instanceId
var unregisterScript = redis.NewScript(recomputeAllocationsLua + `
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
local instance_count = redis.call("HLEN", KEYS[1])
local model_caps_json = redis.call("GET", KEYS[3]) or "{}"
local job_res_json = redis.call("GET", KEYS[4]) or "{}"

local allocation = recompute_allocations(model_caps_json, job_res_json, instance_count)
local encoded = cjson.encode(allocation)

local ids = redis.call("HKEYS", KEYS[1])
for _, id in ipairs(ids) do
  redis.call("HSET", KEYS[2], id, encoded)
  redis.call("PUBLISH", KEYS[5], cjson.encode({instanceId = id, allocation = allocation}))
end
return "OK"
`)

// heartbeatScript refreshes one instance's liveness timestamp.
//
// KEYS: 1=instances
// ARGV: 1=instanceId 2=nowMs
var heartbeatScript = redis.NewScript(`
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return "OK"
`)

// cleanupScript drops every instance whose last heartbeat is older than
// the cutoff and recomputes for the survivors.
//
// KEYS: 1=instances 2=allocations 3=modelCapacities 4=jobTypeResources 5=channel
// ARGV: 1=cutoffMs
var cleanupScript = redis.NewScript(recomputeAllocationsLua + `
local all = redis.call("HGETALL", KEYS[1])
local stale = {}
for i = 1, #all, 2 do
  local id, hb = all[i], tonumber(all[i+1])
  if hb == nil or hb < tonumber(ARGV[1]) then
    stale[#stale+1] = id
  end
end
for _, id in ipairs(stale) do
  redis.call("HDEL", KEYS[1], id)
  redis.call("HDEL", KEYS[2], id)
end
if #stale == 0 then
  return 0
end

local instance_count = redis.call("HLEN", KEYS[1])
local model_caps_json = redis.call("GET", KEYS[3]) or "{}"
local job_res_json = redis.call("GET", KEYS[4]) or "{}"
local allocation = recompute_allocations(model_caps_json, job_res_json, instance_count)
local encoded = cjson.encode(allocation)

local ids = redis.call("HKEYS", KEYS[1])
for _, id in ipairs(ids) do
  redis.call("HSET", KEYS[2], id, encoded)
  redis.call("PUBLISH", KEYS[5], cjson.encode({instanceId = id, allocation = allocation}))
end
return #stale
`)

// acquireScript performs the conditional counter bump of spec §4.J:
// refresh the heartbeat, look up the caller's current pool for modelId,
// and grant only if the in-use count is below that pool's totalSlots.
//
// KEYS: 1=instances 2=allocations 3=slots
// ARGV: 1=instanceId 2=nowMs 3=modelId
var acquireScript = redis.NewScript(`
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
local alloc_json = redis.call("HGET", KEYS[2], ARGV[1])
if not alloc_json then
  return 0
end
local alloc = cjson.decode(alloc_json)
local pool = alloc.pools[ARGV[3]]
if not pool then
  return 0
end
local field = ARGV[1] .. ":" .. ARGV[3]
local current = tonumber(redis.call("HGET", KEYS[3], field)) or 0
if current >= pool.total_slots then
  return 0
end
redis.call("HINCRBY", KEYS[3], field, 1)
return 1
`)

// releaseScript returns a previously acquired slot. Actual token/request
// usage is accepted for parity with the Adapter contract but is not
// replayed into a centralized rolling window: the per-process Per-Model
// Limiter already performs exact window-aware refund locally (spec §4.D),
// so the central store only needs to arbitrate concurrency slots.
//
// KEYS: 1=instances 2=slots
// ARGV: 1=instanceId 2=nowMs 3=modelId
var releaseScript = redis.NewScript(`
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
local field = ARGV[1] .. ":" .. ARGV[3]
local current = tonumber(redis.call("HGET", KEYS[2], field)) or 0
if current > 0 then
  redis.call("HINCRBY", KEYS[2], field, -1)
end
return "OK"
`)

type modelCapsWire struct {
	TokensPerMinute       *int `json:"tokens_per_minute,omitempty"`
	RequestsPerMinute     *int `json:"requests_per_minute,omitempty"`
	TokensPerDay          *int `json:"tokens_per_day,omitempty"`
	RequestsPerDay        *int `json:"requests_per_day,omitempty"`
	MaxConcurrentRequests *int `json:"max_concurrent_requests,omitempty"`
}

type jobResWire struct {
	EstimatedUsedTokens      int `json:"estimated_used_tokens,omitempty"`
	EstimatedNumberOfRequest int `json:"estimated_number_of_requests,omitempty"`
}

type poolWire struct {
	TotalSlots        int `json:"total_slots"`
	TokensPerMinute   int `json:"tokens_per_minute"`
	RequestsPerMinute int `json:"requests_per_minute"`
	TokensPerDay      int `json:"tokens_per_day"`
	RequestsPerDay    int `json:"requests_per_day"`
}

type allocationWire struct {
	InstanceCount int                 `json:"instance_count"`
	Pools         map[string]poolWire `json:"pools"`
}

// pubsubEnvelope is the wire shape spec.md's reference backend wire
// protocol (§6) pins for the pub/sub channel: the allocation-publishing
// scripts publish one message per live instance on the shared channel, and
// each subscriber keeps only the message whose instanceId matches its own.
type pubsubEnvelope struct {
	InstanceID string          `json:"instanceId"`
	Allocation json.RawMessage `json:"allocation"`
}

func decodeAllocation(raw string) (domain.AllocationInfo, error) {
	var w allocationWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return domain.AllocationInfo{}, fmt.Errorf("decode allocation: %w", err)
	}
	out := domain.AllocationInfo{InstanceCount: w.InstanceCount, Pools: make(map[string]domain.PoolShare, len(w.Pools))}
	for id, p := range w.Pools {
		out.Pools[id] = domain.PoolShare{
			TotalSlots:        p.TotalSlots,
			TokensPerMinute:   p.TokensPerMinute,
			RequestsPerMinute: p.RequestsPerMinute,
			TokensPerDay:      p.TokensPerDay,
			RequestsPerDay:    p.RequestsPerDay,
		}
	}
	return out, nil
}

type redisKeys struct {
	instances, allocations, modelCaps, jobRes, channel, slots string
}

// RedisAllocator is component J, the reference centralized pool allocator.
type RedisAllocator struct {
	client *redis.Client
	cfg    config.BackendConfig
	keys   redisKeys

	modelCapsJSON string
	jobResJSON    string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisAllocator snapshots the static model/job-type configuration into
// wire form; the snapshot is written to Redis by Start.
func NewRedisAllocator(client *redis.Client, cfg config.BackendConfig, models map[string]domain.ModelLimits, jobTypes map[string]domain.JobTypeConfig) (*RedisAllocator, error) {
	modelCaps := make(map[string]modelCapsWire, len(models))
	for id, m := range models {
		modelCaps[id] = modelCapsWire{
			TokensPerMinute:       m.TokensPerMinute,
			RequestsPerMinute:     m.RequestsPerMinute,
			TokensPerDay:          m.TokensPerDay,
			RequestsPerDay:        m.RequestsPerDay,
			MaxConcurrentRequests: m.MaxConcurrentRequests,
		}
	}
	jobRes := make(map[string]jobResWire, len(jobTypes))
	for id, jt := range jobTypes {
		jobRes[id] = jobResWire{
			EstimatedUsedTokens:      jt.EstimatedUsedTokens,
			EstimatedNumberOfRequest: jt.EstimatedNumRequests,
		}
	}

	mcJSON, err := json.Marshal(modelCaps)
	if err != nil {
		return nil, fmt.Errorf("encode model capacities: %w", err)
	}
	jrJSON, err := json.Marshal(jobRes)
	if err != nil {
		return nil, fmt.Errorf("encode job type resources: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "llmlim:"
	}

	return &RedisAllocator{
		client:        client,
		cfg:           cfg,
		modelCapsJSON: string(mcJSON),
		jobResJSON:    string(jrJSON),
		keys: redisKeys{
			instances:   prefix + "instances",
			allocations: prefix + "allocations",
			modelCaps:   prefix + "modelCapacities",
			jobRes:      prefix + "jobTypeResources",
			channel:     prefix + "channel",
			slots:       prefix + "slots",
		},
	}, nil
}

// Start writes the static configuration snapshot and launches the periodic
// cleanup task, stopped by Stop.
func (r *RedisAllocator) Start(ctx context.Context) error {
	if err := r.client.Set(ctx, r.keys.modelCaps, r.modelCapsJSON, 0).Err(); err != nil {
		return fmt.Errorf("write model capacities snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.keys.jobRes, r.jobResJSON, 0).Err(); err != nil {
		return fmt.Errorf("write job type resources snapshot: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	interval := time.Duration(r.cfg.CleanupIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.cleanup(runCtx)
			}
		}
	}()
	return nil
}

// Stop cancels the periodic cleanup task and waits for it to exit.
func (r *RedisAllocator) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *RedisAllocator) cleanup(ctx context.Context) {
	timeout := time.Duration(r.cfg.InstanceTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cutoff := time.Now().Add(-timeout).UnixMilli()
	keys := []string{r.keys.instances, r.keys.allocations, r.keys.modelCaps, r.keys.jobRes, r.keys.channel}
	if err := cleanupScript.Run(ctx, r.client, keys, cutoff).Err(); err != nil {
		logging.Op().Warn("backend cleanup failed", "error", err)
	}
}

// Register upserts this instance's heartbeat and returns the recomputed
// cluster-wide allocation.
func (r *RedisAllocator) Register(ctx context.Context, instanceID string) (domain.AllocationInfo, error) {
	now := time.Now().UnixMilli()
	keys := []string{r.keys.instances, r.keys.allocations, r.keys.modelCaps, r.keys.jobRes, r.keys.channel}
	res, err := registerScript.Run(ctx, r.client, keys, instanceID, now).Text()
	if err != nil {
		return domain.AllocationInfo{}, domain.NewBackendError("register", err)
	}
	return decodeAllocation(res)
}

// Unregister removes this instance and triggers a reallocation.
func (r *RedisAllocator) Unregister(ctx context.Context, instanceID string) error {
	keys := []string{r.keys.instances, r.keys.allocations, r.keys.modelCaps, r.keys.jobRes, r.keys.channel}
	if err := unregisterScript.Run(ctx, r.client, keys, instanceID).Err(); err != nil {
		return domain.NewBackendError("unregister", err)
	}
	return nil
}

// Heartbeat refreshes this instance's liveness timestamp.
func (r *RedisAllocator) Heartbeat(ctx context.Context, instanceID string) error {
	now := time.Now().UnixMilli()
	if err := heartbeatScript.Run(ctx, r.client, []string{r.keys.instances}, instanceID, now).Err(); err != nil {
		return domain.NewBackendError("heartbeat", err)
	}
	return nil
}

// Subscribe filters the shared pub/sub channel down to messages addressed
// to instanceID. Messages are JSON objects {"instanceId":..,"allocation":..}
// per spec.md's reference backend wire protocol (§6): every instance
// receives the same channel, so filtering happens client-side.
func (r *RedisAllocator) Subscribe(ctx context.Context, instanceID string, cb func(domain.AllocationInfo)) (func(), error) {
	pubsub := r.client.Subscribe(ctx, r.keys.channel)
	ch := pubsub.Channel()
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env pubsubEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Op().Warn("backend: malformed pubsub envelope", "error", err)
					continue
				}
				if env.InstanceID != instanceID {
					continue
				}
				alloc, err := decodeAllocation(string(env.Allocation))
				if err != nil {
					logging.Op().Warn("backend: malformed allocation message", "error", err)
					continue
				}
				cb(alloc)
			}
		}
	}()

	unsubscribe := func() {
		close(done)
		pubsub.Close()
	}
	return unsubscribe, nil
}

// Acquire performs the centralized conditional counter bump for one
// model's slot pool.
func (r *RedisAllocator) Acquire(ctx context.Context, instanceID, modelID string) (bool, error) {
	now := time.Now().UnixMilli()
	keys := []string{r.keys.instances, r.keys.allocations, r.keys.slots}
	res, err := acquireScript.Run(ctx, r.client, keys, instanceID, now, modelID).Int()
	if err != nil {
		return false, domain.NewBackendError("acquire", err)
	}
	return res == 1, nil
}

// Release returns a previously acquired slot. windowStarts is accepted for
// interface parity but unused here — see the releaseScript doc comment.
func (r *RedisAllocator) Release(ctx context.Context, instanceID, modelID string, actualTokens, actualRequests int, _ domain.WindowStarts) error {
	now := time.Now().UnixMilli()
	keys := []string{r.keys.instances, r.keys.slots}
	if err := releaseScript.Run(ctx, r.client, keys, instanceID, now, modelID, actualTokens, actualRequests).Err(); err != nil {
		return domain.NewBackendError("release", err)
	}
	return nil
}
