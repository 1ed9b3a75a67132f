package authority

// Shared helpers prepended to every script. Stored outcomes are keyed by the
// request's scan id so replays return them untouched.
const luaHelpers = `
local function load_hash(key)
  local h = {}
  local raw = redis.call('HGETALL', key)
  for i = 1, #raw, 2 do
    h[raw[i]] = raw[i + 1]
  end
  return h
end

local function finish(key, ttl, result)
  local encoded = cjson.encode(result)
  redis.call('SET', key, encoded, 'EX', ttl)
  return encoded
end

local function replay(key)
  local stored = redis.call('GET', key)
  if not stored then
    return nil
  end
  local previous = cjson.decode(stored)
  previous.duplicate = true
  return cjson.encode(previous)
end
`

// KEYS: ticket, event settings, scan result
// ARGV: scan_id, event_id, scanned_by, device_id, method, scanned_at_ms,
// force, signature, result_ttl, rule
const ticketPrelude = luaHelpers + `
local previous = replay(KEYS[3])
if previous then
  return previous
end

local ttl = tonumber(ARGV[9])
local t = load_hash(KEYS[1])
if t.status == nil then
  return finish(KEYS[3], ttl, {accepted = false, reason = 'invalid', error_message = 'ticket not found'})
end

local settings = load_hash(KEYS[2])
local reentry = settings.reentry_enabled == '1'
local ends_at = tonumber(settings.ends_at or '') or 0
local at = tonumber(ARGV[6])
local forced = ARGV[7] == '1'

local function described(result)
  result.status = t.status
  result.guest_name = t.guest_name or ''
  result.tier = t.tier or ''
  result.entry_count = tonumber(t.entry_count or '0') or 0
  result.exit_count = tonumber(t.exit_count or '0') or 0
  result.inside = t.inside == '1'
  if result.scanned_at == nil then
    result.scanned_at = t.scanned_at or ''
    result.scanned_by = t.scanned_by or ''
    result.scanned_device = t.scanned_device or ''
  end
  return result
end

local function reject(reason, message)
  return finish(KEYS[3], ttl, described({accepted = false, reason = reason, error_message = message}))
end

local function accept(provisional, overridden)
  local entries = tonumber(t.entry_count or '0') or 0
  local exits = tonumber(t.exit_count or '0') or 0
  local direction = 'entry'
  if reentry and t.inside == '1' then
    exits = exits + 1
    t.inside = '0'
    direction = 'exit'
  else
    entries = entries + 1
    t.inside = '1'
  end
  t.entry_count = tostring(entries)
  t.exit_count = tostring(exits)
  redis.call('HSET', KEYS[1], 'entry_count', t.entry_count, 'exit_count', t.exit_count,
    'inside', t.inside, 'last_scan_id', ARGV[1])

  if t.status == 'issued' then
    t.status = 'scanned'
    t.scanned_at = ARGV[6]
    t.scanned_by = ARGV[3]
    t.scanned_device = ARGV[4]
    t.scan_id = ARGV[1]
    redis.call('HSET', KEYS[1], 'status', 'scanned', 'scanned_at', ARGV[6], 'scanned_by', ARGV[3],
      'scanned_device', ARGV[4], 'scan_id', ARGV[1], 'provisional', provisional)
  end

  return finish(KEYS[3], ttl, described({
    accepted = true,
    overridden = overridden,
    direction = direction,
    scanned_at = ARGV[6],
    scanned_by = ARGV[3],
    scanned_device = ARGV[4],
  }))
end

if t.scan_id == ARGV[1] then
  return finish(KEYS[3], ttl, described({accepted = true, duplicate = true, direction = 'entry'}))
end

if (t.signature or '') ~= '' and ARGV[8] ~= '' and t.signature ~= ARGV[8] then
  return reject('tampered', 'credential signature mismatch')
end

local overridden = false
local blocked, message = nil, nil
if t.status == 'cancelled' then
  blocked, message = 'invalid', 'ticket cancelled'
elseif t.event_id ~= ARGV[2] then
  blocked, message = 'wrong_event', 'ticket belongs to another event'
elseif ends_at > 0 and at > ends_at then
  blocked, message = 'expired', 'event admission has ended'
end
if blocked then
  if not forced then
    return reject(blocked, message)
  end
  overridden = true
end
`

// Live acceptances are final: a later offline replay never displaces them.
const scanTicketScript = ticketPrelude + `
if t.status == 'scanned' and not reentry then
  if not forced then
    return finish(KEYS[3], ttl, described({
      accepted = false,
      already_scanned = true,
      reason = 'already_used',
      error_message = 'ticket already scanned',
    }))
  end
  overridden = true
end

return accept('0', overridden)
`

const syncOfflineScanScript = ticketPrelude + `
if t.status == 'scanned' and not reentry then
  if forced then
    return accept('1', true)
  end

  local winner_at = tonumber(t.scanned_at or '') or 0
  if ARGV[10] == 'earliest_wins' and t.provisional == '1' and at < winner_at then
    local displaced_id = t.scan_id or ''
    local displaced_device = t.scanned_device or ''
    local displaced_at = t.scanned_at or ''

    redis.call('HSET', KEYS[1], 'scanned_at', ARGV[6], 'scanned_by', ARGV[3],
      'scanned_device', ARGV[4], 'scan_id', ARGV[1], 'last_scan_id', ARGV[1])
    if displaced_id ~= '' then
      redis.call('SET', 'scan:result:' .. displaced_id, cjson.encode({
        accepted = false,
        reason = 'conflict_resolved_loser',
        conflict_resolved = true,
        winner_device = ARGV[4],
        winner_time = ARGV[6],
        winner_scan_id = ARGV[1],
        error_message = 'displaced by an earlier scan',
      }), 'EX', ttl)
    end

    return finish(KEYS[3], ttl, described({
      accepted = true,
      direction = 'entry',
      scanned_at = ARGV[6],
      scanned_by = ARGV[3],
      scanned_device = ARGV[4],
      displaced_scan_id = displaced_id,
      displaced_device = displaced_device,
      displaced_at = displaced_at,
    }))
  end

  return finish(KEYS[3], ttl, described({
    accepted = false,
    reason = 'conflict_resolved_loser',
    conflict_resolved = true,
    winner_device = t.scanned_device or '',
    winner_time = t.scanned_at or '',
    winner_scan_id = t.scan_id or '',
    error_message = 'ticket already entered via another device',
  }))
end

return accept('1', overridden)
`

// KEYS: guest pass, reservation, scan result, event settings
// ARGV: as for tickets
const checkInVipGuestScript = luaHelpers + `
local previous = replay(KEYS[3])
if previous then
  return previous
end

local ttl = tonumber(ARGV[9])
local p = load_hash(KEYS[1])
if p.status == nil then
  return finish(KEYS[3], ttl, {accepted = false, reason = 'invalid', error_message = 'guest pass not found'})
end

local r = load_hash(KEYS[2])
local settings = load_hash(KEYS[4])
local ends_at = tonumber(settings.ends_at or '') or 0
local at = tonumber(ARGV[6])
local forced = ARGV[7] == '1'
local guest_count = tonumber(r.guest_count or '0') or 0
local checked = tonumber(r.checked_in_count or '0') or 0

local function described(result)
  result.status = p.status
  result.guest_name = p.guest_name or ''
  result.tier = 'vip:' .. (p.table_name or '')
  result.reservation_id = p.reservation_id or ''
  result.checked_in_count = checked
  result.guest_count = guest_count
  if result.scanned_at == nil then
    result.scanned_at = p.scanned_at or ''
    result.scanned_by = p.scanned_by or ''
    result.scanned_device = p.scanned_device or ''
  end
  if p.status == 'scanned' then
    result.entry_count = 1
    result.inside = true
  else
    result.entry_count = 0
    result.inside = false
  end
  return result
end

if p.scan_id == ARGV[1] then
  return finish(KEYS[3], ttl, described({accepted = true, duplicate = true, direction = 'entry'}))
end

if (p.signature or '') ~= '' and ARGV[8] ~= '' and p.signature ~= ARGV[8] then
  return finish(KEYS[3], ttl, described({accepted = false, reason = 'tampered', error_message = 'credential signature mismatch'}))
end

local overridden = false
local blocked, message = nil, nil
if p.status == 'cancelled' or r.status == 'cancelled' then
  blocked, message = 'invalid', 'reservation cancelled'
elseif p.event_id ~= ARGV[2] then
  blocked, message = 'wrong_event', 'guest pass belongs to another event'
elseif ends_at > 0 and at > ends_at then
  blocked, message = 'expired', 'event admission has ended'
end
if blocked then
  if not forced then
    return finish(KEYS[3], ttl, described({accepted = false, reason = blocked, error_message = message}))
  end
  overridden = true
end

if p.status == 'scanned' then
  if not forced then
    return finish(KEYS[3], ttl, described({
      accepted = false,
      already_scanned = true,
      reason = 'already_used',
      error_message = 'guest pass already used',
    }))
  end
  overridden = true
end

if p.status == 'issued' then
  p.status = 'scanned'
  p.scanned_at = ARGV[6]
  p.scanned_by = ARGV[3]
  p.scanned_device = ARGV[4]
  p.scan_id = ARGV[1]
  redis.call('HSET', KEYS[1], 'status', 'scanned', 'scanned_at', ARGV[6], 'scanned_by', ARGV[3],
    'scanned_device', ARGV[4], 'scan_id', ARGV[1])

  if r.status ~= nil then
    if checked < guest_count then
      checked = checked + 1
    end
    local progress = 'partially_checked_in'
    if checked >= guest_count then
      progress = 'checked_in'
    end
    redis.call('HSET', KEYS[2], 'checked_in_count', tostring(checked), 'status', progress)
  end
end

return finish(KEYS[3], ttl, described({
  accepted = true,
  overridden = overridden,
  direction = 'entry',
  scanned_at = ARGV[6],
  scanned_by = ARGV[3],
  scanned_device = ARGV[4],
}))
`

// KEYS: reservation, reservation passes set, request result
// ARGV: request_id, guests, staff_id, device_id, at_ms, result_ttl
const checkInVipReservationScript = luaHelpers + `
local previous = replay(KEYS[3])
if previous then
  return previous
end

local r = load_hash(KEYS[1])
if r.status == nil then
  return cjson.encode({error = 'not_found'})
end
if r.status == 'cancelled' then
  return cjson.encode({error = 'cancelled'})
end

local guest_count = tonumber(r.guest_count or '0') or 0
local checked = tonumber(r.checked_in_count or '0') or 0
local want = tonumber(ARGV[2]) or 0
if want > guest_count - checked then
  want = guest_count - checked
end
if want < 0 then
  want = 0
end

local passes = redis.call('SMEMBERS', KEYS[2])
table.sort(passes)
local marked = {}
for _, id in ipairs(passes) do
  if #marked >= want then
    break
  end
  local key = 'vip:pass:' .. id
  if redis.call('HGET', key, 'status') == 'issued' then
    redis.call('HSET', key, 'status', 'scanned', 'scanned_at', ARGV[5], 'scanned_by', ARGV[3],
      'scanned_device', ARGV[4], 'scan_id', ARGV[1] .. ':' .. id)
    table.insert(marked, id)
  end
end

checked = checked + want
local progress = 'confirmed'
if checked >= guest_count and guest_count > 0 then
  progress = 'checked_in'
elseif checked > 0 then
  progress = 'partially_checked_in'
end
redis.call('HSET', KEYS[1], 'checked_in_count', tostring(checked), 'status', progress)

return finish(KEYS[3], tonumber(ARGV[6]), {
  checked_in = want,
  checked_in_count = checked,
  guest_count = guest_count,
  status = progress,
  pass_ids = table.concat(marked, ','),
  event_id = r.event_id or '',
  host_name = r.host_name or '',
  table_name = r.table_name or '',
  minimum_spend = r.minimum_spend or '0',
})
`
