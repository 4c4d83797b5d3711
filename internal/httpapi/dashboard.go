package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Operator Sync</title>
  <style>
    :root { --ink: #1d2a33; --muted: #66747f; --line: #d5dde3; --bg: #f4f7f9; --ok: #1b7f4c; --warn: #a8641a; --err: #b3362d; }
    * { box-sizing: border-box; }
    body { margin: 0; padding: 16px; font: 14px/1.4 system-ui, "Segoe UI", sans-serif; color: var(--ink); background: var(--bg); }
    main { max-width: 1100px; margin: 0 auto; display: grid; gap: 12px; }
    section, article { background: #fff; border: 1px solid var(--line); border-radius: 8px; padding: 12px; }
    h1 { margin: 0; font-size: 1.3rem; }
    h2 { margin: 0 0 8px; font-size: 0.8rem; text-transform: uppercase; color: var(--muted); }
    .sub, .status-line { color: var(--muted); font-size: 0.85rem; }
    .controls { display: flex; gap: 8px; margin: 10px 0; }
    .controls input { flex: 1; padding: 8px; border: 1px solid var(--line); border-radius: 6px; }
    button { padding: 8px 12px; border: 1px solid var(--line); border-radius: 6px; background: #fff; cursor: pointer; }
    .cards { display: grid; gap: 8px; grid-template-columns: repeat(auto-fit, minmax(140px, 1fr)); background: none; border: 0; padding: 0; }
    .label { font-size: 0.7rem; text-transform: uppercase; color: var(--muted); }
    .value { margin-top: 4px; font-size: 1.05rem; font-weight: 600; white-space: pre-line; }
    .grid { display: grid; gap: 12px; grid-template-columns: 2fr 1fr; background: none; border: 0; padding: 0; }
    table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
    th, td { text-align: left; padding: 6px; border-bottom: 1px solid var(--line); }
    .feed { margin: 0; padding: 0; list-style: none; display: grid; gap: 6px; }
    .feed li { padding: 6px 8px; border-left: 4px solid var(--ok); background: var(--bg); }
    .feed li.warning { border-left-color: var(--warn); }
    .feed li.critical { border-left-color: var(--err); }
    .ok { color: var(--ok); }
    .warn { color: var(--warn); }
    .err { color: var(--err); }
    .mono { font-family: ui-monospace, Menlo, Consolas, monospace; }
    @media (max-width: 800px) { .grid { grid-template-columns: 1fr; } }
  </style>
</head>
<body>
  <main>
    <section>
      <h1>Operator Sync</h1>
      <div class="sub">Workup sync health, pending conflicts and the ASR correction log.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token" autocomplete="off" />
        <button id="refresh" type="button">Refresh Now</button>
        <button id="toggle" type="button">Pause Auto</button>
      </div>
      <div class="status-line">
        <span>API: <span class="mono" id="apiBase"></span></span>
        <span>Last: <span id="lastUpdated">never</span></span>
        <span id="statusMessage">idle</span>
      </div>
    </section>

    <section class="cards">
      <article><div class="label">Sync</div><div id="syncEnabled" class="value mono">-</div></article>
      <article><div class="label">Workups</div><div id="workupCount" class="value">-</div></article>
      <article><div class="label">Pending Push</div><div id="pendingCount" class="value">-</div></article>
      <article><div class="label">Conflicts</div><div id="conflictCount" class="value">-</div></article>
      <article><div class="label">Sync Errors</div><div id="failedCount" class="value">-</div></article>
      <article><div class="label">Corrections</div><div id="correctionCount" class="value mono">-</div></article>
    </section>

    <section class="grid">
      <article>
        <h2>Workups</h2>
        <table>
          <thead>
            <tr>
              <th>Patient</th>
              <th>Status</th>
              <th>Complete</th>
              <th>Sync</th>
              <th>Updated</th>
            </tr>
          </thead>
          <tbody id="workupRows"></tbody>
        </table>
      </article>

      <article>
        <h2>Last Pass</h2>
        <ul id="passFeed" class="feed"></ul>
      </article>
    </section>
  </main>

  <script>
    (function () {
      const store = {
        timer: null,
        intervalMs: 5000,
        paused: false,
      };

      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        toggle: document.getElementById("toggle"),
        apiBase: document.getElementById("apiBase"),
        lastUpdated: document.getElementById("lastUpdated"),
        statusMessage: document.getElementById("statusMessage"),
        syncEnabled: document.getElementById("syncEnabled"),
        workupCount: document.getElementById("workupCount"),
        pendingCount: document.getElementById("pendingCount"),
        conflictCount: document.getElementById("conflictCount"),
        failedCount: document.getElementById("failedCount"),
        correctionCount: document.getElementById("correctionCount"),
        workupRows: document.getElementById("workupRows"),
        passFeed: document.getElementById("passFeed"),
      };

      function cid(prefix) {
        return prefix + "_" + Date.now() + "_" + Math.random().toString(16).slice(2, 8);
      }

      async function request(path) {
        const headers = { "X-Correlation-Id": cid("dash") };
        const token = dom.token.value.trim();
        if (token) {
          headers["Authorization"] = "Bearer " + token;
        }
        const response = await fetch(window.location.origin + path, { headers: headers });
        const text = await response.text();
        let data;
        try {
          data = JSON.parse(text);
        } catch (err) {
          throw new Error("non-json response: " + text.slice(0, 220));
        }
        if (!response.ok) {
          const code = data.code ? String(data.code) : "error";
          const msg = data.message ? String(data.message) : response.statusText;
          throw new Error(response.status + " " + code + ": " + msg);
        }
        return data;
      }

      function setStatus(text, cls) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = cls || "";
      }

      function syncState(rec) {
        if (rec.syncConflict) {
          return ["conflict", "err"];
        }
        if (rec.syncError) {
          return ["error", "err"];
        }
        if (!rec.remoteId) {
          return ["unlinked", "warn"];
        }
        if (Date.parse(rec.localFieldsUpdatedAt) > Date.parse(rec.lastSyncedAt)) {
          return ["pending", "warn"];
        }
        return ["synced", "ok"];
      }

      function renderWorkups(list) {
        dom.workupRows.innerHTML = "";
        (list || []).forEach(function (rec) {
          const row = document.createElement("tr");
          const state = syncState(rec);
          const cells = [
            rec.fields.patient || "-",
            rec.fields.status || "-",
            String(rec.completionPercentage) + "%",
            state[0],
            new Date(rec.lastUpdatedAt).toLocaleString(),
          ];
          cells.forEach(function (text, i) {
            const cell = document.createElement("td");
            cell.textContent = text;
            if (i === 3) {
              cell.className = state[1];
              if (rec.syncError) {
                cell.title = rec.syncError;
              }
            }
            row.appendChild(cell);
          });
          dom.workupRows.appendChild(row);
        });
      }

      function renderPass(report) {
        dom.passFeed.innerHTML = "";
        const items = [];
        if (!report) {
          items.push(["No pass has completed yet", ""]);
        } else {
          items.push(["Finished " + new Date(report.finishedAt).toLocaleString(), ""]);
          items.push(["listed " + report.listed + ", pulled " + report.pulled + ", pushed " + report.pushed + ", created " + report.created, ""]);
          if (report.conflicts > 0) {
            items.push([report.conflicts + " conflict(s) awaiting a decision", "warning"]);
          }
          Object.keys(report.errors || {}).forEach(function (id) {
            items.push([id + ": " + report.errors[id], "critical"]);
          });
        }
        items.forEach(function (entry) {
          const item = document.createElement("li");
          item.textContent = entry[0];
          item.className = entry[1];
          dom.passFeed.appendChild(item);
        });
      }

      async function refresh() {
        setStatus("refreshing...", "");
        window.localStorage.setItem("operatorsync_dashboard_token", dom.token.value.trim());
        try {
          const results = await Promise.all([
            request("/v1/sync/status"),
            request("/v1/workups"),
            request("/v1/corrections/stats"),
          ]);
          const status = results[0];
          const workups = results[1];
          const stats = results[2];

          dom.syncEnabled.textContent = status.enabled ? "enabled" : "disabled";
          dom.pendingCount.textContent = String(status.pending || 0);
          dom.conflictCount.textContent = String(status.conflicts || 0);
          dom.failedCount.textContent = String(status.failed || 0);
          dom.workupCount.textContent = String(workups.count || 0);
          dom.correctionCount.textContent = String(stats.total || 0) + "\n" + String(stats.approved || 0) + " approved";

          renderWorkups(workups.workups);
          renderPass(status.lastReport);

          dom.lastUpdated.textContent = new Date().toLocaleTimeString();
          setStatus("ok", "ok");
        } catch (err) {
          setStatus(String(err.message || err), "err");
        }
      }

      function ensureTimer() {
        if (store.timer) {
          window.clearInterval(store.timer);
          store.timer = null;
        }
        if (!store.paused) {
          store.timer = window.setInterval(refresh, store.intervalMs);
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.toggle.addEventListener("click", function () {
        store.paused = !store.paused;
        dom.toggle.textContent = store.paused ? "Resume Auto" : "Pause Auto";
        ensureTimer();
      });
      dom.token.addEventListener("change", refresh);

      dom.token.value = window.localStorage.getItem("operatorsync_dashboard_token") || "";
      dom.apiBase.textContent = window.location.origin;

      ensureTimer();
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
